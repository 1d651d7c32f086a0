package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"e2ee-relay/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a CircuitBreaker
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a trial call is let through
	Cooldown time.Duration
	// Timeout bounds every call
	Timeout time.Duration
}

// DefaultConfig returns the breaker settings used for outbound FCM calls
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker wraps calls to a flaky dependency. It never retries: the
// caller decides whether an operation is safe to repeat.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	now     func() time.Time
	metrics *breakerMetrics
}

// breakerMetrics tracks breaker-guarded operation metrics
type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	breakerMetricsInstance *breakerMetrics
	breakerMetricsOnce     sync.Once
)

// init registers breaker metrics with Prometheus
func init() {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_requests_total",
					Help: "Total number of calls through a circuit breaker",
				},
				[]string{"breaker", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_errors_total",
					Help: "Total number of failed calls through a circuit breaker",
				},
				[]string{"breaker", "operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"breaker"}),
		}
		prometheus.MustRegister(breakerMetricsInstance.requestsTotal)
		prometheus.MustRegister(breakerMetricsInstance.errorsTotal)
		prometheus.MustRegister(breakerMetricsInstance.circuitBreakerState)
	})
}

// NewCircuitBreaker creates a named circuit breaker
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitBreakerClosed,
		now:     time.Now,
		metrics: breakerMetricsInstance,
	}
}

// Execute runs fn once under the breaker and the configured timeout
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !cb.allow(operation) {
		cb.metrics.requestsTotal.WithLabelValues(cb.name, operation, "circuit_breaker_open").Inc()
		return ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)
	cb.record(operation, err)
	return err
}

// allow decides whether a call may proceed, moving open to half-open after the cooldown
func (cb *CircuitBreaker) allow(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.setState(CircuitBreakerHalfOpen)
		cb.trialInFlight = true
		logger.Warn("Circuit breaker HALF-OPEN - allowing trial request",
			zap.String("breaker", cb.name),
			zap.String("operation", operation),
		)
		return true
	case CircuitBreakerHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if err == nil {
		if cb.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", cb.name),
				zap.String("operation", operation),
			)
		}
		cb.consecutiveFailures = 0
		cb.setState(CircuitBreakerClosed)
		cb.metrics.requestsTotal.WithLabelValues(cb.name, operation, "success").Inc()
		return
	}

	cb.consecutiveFailures++
	cb.metrics.errorsTotal.WithLabelValues(cb.name, operation, classifyError(err)).Inc()
	cb.metrics.requestsTotal.WithLabelValues(cb.name, operation, "failure").Inc()

	if cb.state == CircuitBreakerHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitBreakerOpen)
		logger.Error("Circuit breaker OPEN - too many consecutive failures",
			zap.String("breaker", cb.name),
			zap.String("operation", operation),
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.Error(err),
		)
	}
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	cb.state = state
	var v float64
	switch state {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	cb.metrics.circuitBreakerState.WithLabelValues(cb.name).Set(v)
}

// GetCircuitBreakerState returns the current circuit breaker state
func (cb *CircuitBreaker) GetCircuitBreakerState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "status"):
		return "http_status"
	default:
		return "unknown"
	}
}
