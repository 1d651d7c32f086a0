package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"e2ee-relay/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
}

var (
	redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
	})
	redisHealthCheckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Total number of Redis health checks",
	}, []string{"status"})
	redisMetricsOnce sync.Once
)

// InitRedisMetrics registers Redis metrics with Prometheus
func InitRedisMetrics() {
	redisMetricsOnce.Do(func() {
		prometheus.MustRegister(redisDegradedGauge)
		prometheus.MustRegister(redisHealthCheckTotal)
	})
}

// NewRedisDB creates a new Redis client from config with degraded mode support
func NewRedisDB(cfg *RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

// SetDegraded sets the degraded mode state and updates metrics
func (r *RedisClient) SetDegraded(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded
	if degraded {
		redisDegradedGauge.Set(1)
		logger.Warn("Redis entered degraded mode")
	} else {
		redisDegradedGauge.Set(0)
		logger.Info("Redis left degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.SetDegraded(true)
		redisHealthCheckTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.SetDegraded(false)
	redisHealthCheckTotal.WithLabelValues("success").Inc()
	return nil
}
