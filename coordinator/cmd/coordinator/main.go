package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ailightning/ailightning/coordinator/internal/client"
	"github.com/ailightning/ailightning/coordinator/internal/config"
	"github.com/ailightning/ailightning/coordinator/internal/health"
	"github.com/ailightning/ailightning/coordinator/internal/metrics"
	"github.com/ailightning/ailightning/coordinator/internal/server"
	"github.com/ailightning/ailightning/coordinator/internal/service"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Session coordinator of the inference marketplace",
		SilenceUsage: true,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and run the background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			if configPath == "" {
				configPath = "./config.yaml"
			}
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to coordinator config file")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting coordinator",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Type),
		zap.String("payment_mode", cfg.Payment.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	redisClient, err := store.ConnectRedis(ctx, &redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	nodeStore := store.NewRedisNodeStore(redisClient, cfg.Registry.KeyPrefix, logger)
	logger.Info("Registry store initialized", zap.String("redis", cfg.Redis.Addr()))

	sessionStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	var locker store.Locker = store.NewLocalLocker()
	if cfg.Sessions.Locking == "redis" {
		locker = store.NewRedisLocker(redisClient, cfg.Registry.KeyPrefix, cfg.Sessions.LockTTL, logger)
	}

	// Invoices lapse with the payment window so a late payment cannot land
	// on an expired session.
	if cfg.Payment.InvoiceExpiry == 0 {
		cfg.Payment.InvoiceExpiry = cfg.Sessions.PaymentWindow
	}
	gateway, err := payment.New(cfg.Payment, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}

	nodeClient := client.NewNodeClient(client.Timeouts{
		Start:      cfg.Sessions.StartTimeout,
		Stop:       cfg.Sessions.StopTimeout,
		Status:     cfg.Sessions.StopTimeout,
		Completion: cfg.Sessions.RequestTimeout,
		Invoice:    cfg.Settlement.InvoiceTimeout,
	}, m, logger)

	var publisher service.Publisher = service.NopPublisher{}
	if cfg.Events.Enabled {
		natsPublisher, err := service.NewNATSPublisher(cfg.Events.URL, "coordinator-"+cfg.Server.NodeID, logger)
		if err != nil {
			return err
		}
		publisher = natsPublisher
	}
	events := service.NewEventService(publisher, cfg.Events.SubjectPrefix, logger)
	defer events.Close()

	var leadership service.Leadership = service.StandaloneLeadership{}
	if cfg.Cluster.Enabled {
		cluster, err := service.NewClusterService(service.ClusterConfig{
			NodeID:   cfg.Server.NodeID,
			BindAddr: cfg.Cluster.BindAddr,
			BindPort: cfg.Cluster.BindPort,
			Seeds:    cfg.Cluster.Seeds,
		}, logger)
		if err != nil {
			return err
		}
		defer cluster.Shutdown()
		leadership = cluster
	}

	registry := service.NewRegistryService(nodeStore, sessionStore,
		cfg.Registry.LivenessTimeout, cfg.Registry.HeartbeatInterval, m, logger)
	settlement := service.NewSettlementService(sessionStore, registry, nodeClient, gateway, events,
		service.SettlementConfig{
			PayoutRatio: cfg.Settlement.PayoutRatio,
			MinPayout:   cfg.Settlement.MinPayout,
		}, m, logger)
	var idempotency *service.IdempotencyService
	if cfg.Sessions.IdempotencyTTL > 0 {
		idempotency = service.NewIdempotencyService(
			store.NewRedisIdempotencyStore(redisClient, cfg.Registry.KeyPrefix), cfg.Sessions.IdempotencyTTL, logger)
	}
	orchestrator := service.NewOrchestratorService(sessionStore, registry, nodeClient, gateway, settlement, events, locker,
		idempotency, service.OrchestratorConfig{
			PaymentWindow:        cfg.Sessions.PaymentWindow,
			// a lock holder may be waiting out a start and a stop
			LockWait:             cfg.Sessions.StartTimeout + cfg.Sessions.StopTimeout,
			MinMinutes:           cfg.Sessions.MinMinutes,
			MaxMinutes:           cfg.Sessions.MaxMinutes,
			SettlementStaleAfter: cfg.Settlement.StaleAfter,
		}, m, logger)
	sweeper := service.NewSweeperService(sessionStore, orchestrator, registry, nodeClient, leadership,
		cfg.Sessions.SweepInterval, cfg.Sessions.SweepWorkers, m, logger)
	logger.Info("Services initialized")

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.Register("registry_store", nodeStore)
	healthChecker.Register("session_store", sessionStore)
	healthChecker.Register("payment", gateway)

	srv := server.NewServer(cfg, orchestrator, registry, healthChecker, m, logger)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go sweeper.Run(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err = <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(serr))
	}

	logger.Info("Coordinator stopped")
	return err
}

func openSessionStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.SessionStore, error) {
	if cfg.Store.Type == "memory" {
		logger.Warn("Using in-memory session store; sessions and balances are lost on restart")
		return store.NewMemorySessionStore(), nil
	}
	s, err := store.NewPostgresSessionStore(ctx, cfg.Database.DSN(),
		cfg.Database.MaxConnections, cfg.Database.MinConnections, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Session store initialized",
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database))
	return s, nil
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
	}
	return zc.Build()
}
