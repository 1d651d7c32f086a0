package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"e2ee-relay/internal/config"
	"e2ee-relay/internal/database"
	opsHandler "e2ee-relay/internal/handler/http/ops"
	"e2ee-relay/internal/middleware"
	"e2ee-relay/internal/relay"
	"e2ee-relay/internal/repository/memory"
	redisRepo "e2ee-relay/internal/repository/redis"
	"e2ee-relay/internal/service/devicegroup"
	"e2ee-relay/internal/service/messaging"
	"e2ee-relay/internal/service/upstream"
	"e2ee-relay/internal/transport/fcmhttp"
	"e2ee-relay/internal/transport/ws"
	"e2ee-relay/internal/transport/xmpp"
	"e2ee-relay/pkg/cache"
	"e2ee-relay/pkg/constants"
	"e2ee-relay/pkg/e2ee"
	"e2ee-relay/pkg/logger"
	"e2ee-relay/pkg/metrics"
	"e2ee-relay/pkg/resilience"
)

const serviceName = "relay-server"

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the push backbone and relay encrypted requests",
		Example: `  relay-server serve --config /etc/relay/relay.yaml
  RELAY_TRANSPORT=ws RELAY_SERVER_PRIVATE_KEY_FILE=/run/secrets/relay_key relay-server serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the relay configuration file (YAML)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	// 1. Logging
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Server key
	privateKey, err := e2ee.ParsePrivateKey(cfg.Server.PrivateKey)
	if err != nil {
		return fmt.Errorf("load server private key: %w", err)
	}

	// 3. Registries and dedup
	keys := memory.NewPublicKeyRepository(logger.Named("keys"))
	groups := memory.NewGroupRepository(logger.Named("groups"))

	seen := cache.NewMemoryCache(cfg.Redis.DedupTTL, constants.MaxDedupEntries)
	stopCleanup := seen.StartCleanup(constants.DedupCleanupInterval)
	defer stopCleanup()

	var (
		dedup       messaging.DedupStore
		redisHealth opsHandler.DegradedReporter
	)
	if cfg.Redis.Enabled {
		database.InitRedisMetrics()
		redisDB := database.NewRedisDB(&database.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, dedup runs in memory", zap.Error(err))
		}
		redisDB.StartHealthCheck(ctx, 10*time.Second)

		dedup = redisRepo.NewDedupRepository(redisDB, seen, cfg.Redis.DedupTTL)
		redisHealth = redisDB
	} else {
		dedup = memory.NewDedupRepository(seen, cfg.Redis.DedupTTL)
	}

	// 4. Ops server
	gin.SetMode(gin.ReleaseMode)
	appMetrics := metrics.NewMetrics(serviceName, nil)
	router := gin.New()
	router.Use(middleware.Recovery(logger.Named("http")))
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.SecurityHeaders())
	opsHandler.NewHandler(serviceName, keys, groups, redisHealth).RegisterRoutes(router)
	router.GET(middleware.MetricsPath, middleware.MetricsHandler(appMetrics))

	// 5. Push backbone
	conn, err := newConnection(ctx, cfg, router)
	if err != nil {
		return err
	}

	// 6. Services
	svc := messaging.NewService(conn, keys, groups, dedup, privateKey, messaging.Config{
		RequireSignature: cfg.Server.RequireSignature,
		SignResponses:    cfg.Server.SignResponses,
	}, logger.Named("messaging"))

	var deviceGroups upstream.DeviceGroupCreator
	if cfg.FCM.DeviceGroups {
		deviceGroups = devicegroup.NewClient(devicegroup.Config{
			URL:       cfg.FCM.DeviceGroupURL,
			ServerKey: cfg.FCM.ServerKey,
			SenderID:  cfg.FCM.SenderID,
		}, nil, resilience.NewCircuitBreaker("fcm_device_group", resilience.DefaultConfig()), logger.Named("devicegroup"))
	}
	svc.SetDispatcher(upstream.NewDispatcher(svc, keys, groups, deviceGroups, logger.Named("dispatcher")))

	packetRouter := relay.NewRouter(svc, logger.Named("router"))
	pool := relay.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, packetRouter.ProcessPacket, logger.Named("pool"))
	rl := relay.New(conn, packetRouter, pool, logger.Named("relay"))

	// 7. Run
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Ops server starting", zap.Int("port", cfg.Ops.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	go func() {
		if err := rl.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down relay")
	case runErr = <-errCh:
		logger.Error("Relay stopped", zap.Error(runErr))
		stop()
	}

	// 8. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server forced to shutdown", zap.Error(err))
	}
	if err := rl.Shutdown(); err != nil {
		logger.Warn("Closing push backbone connection failed", zap.Error(err))
	}

	logger.Info("Relay exited")
	return runErr
}

// newConnection builds the push backbone connection for cfg.Transport. The
// loopback hub mounts its websocket route on router.
func newConnection(ctx context.Context, cfg *config.Config, router gin.IRoutes) (relay.ConnectionClient, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		hub := ws.NewHub(logger.Named("ws"))
		router.GET(cfg.Ops.WSPath, hub.ServeWS)
		return hub, nil

	case config.TransportXMPP, config.TransportXMPPHTTP:
		client := xmpp.NewClient(xmpp.Config{
			Host:      cfg.FCM.Host,
			Port:      cfg.FCM.Port,
			SenderID:  cfg.FCM.SenderID,
			ServerKey: cfg.FCM.ServerKey,
			Debug:     cfg.FCM.Debug,
		}, logger.Named("xmpp"))
		if cfg.Transport == config.TransportXMPP {
			return client, nil
		}

		sender, err := fcmhttp.NewSender(ctx, fcmhttp.Config{
			CredentialsPath: cfg.Firebase.CredentialsPath,
			CredentialsJSON: []byte(cfg.Firebase.CredentialsJSON),
			ProjectID:       cfg.Firebase.ProjectID,
		}, logger.Named("fcmhttp"))
		if err != nil {
			return nil, err
		}
		return &relay.SplitClient{ConnectionClient: client, Downstream: sender}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
