package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ailightning/ailightning/node/internal/client"
	"github.com/ailightning/ailightning/node/internal/config"
	"github.com/ailightning/ailightning/node/internal/handler"
	"github.com/ailightning/ailightning/node/internal/metrics"
	"github.com/ailightning/ailightning/node/internal/store"
	"github.com/ailightning/ailightning/node/internal/supervisor"
	"github.com/ailightning/ailightning/node/internal/util/workerpool"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		Use:          "node",
		Short:        "Compute node of the inference marketplace",
		SilenceUsage: true,
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the coordinator and serve inference sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			if configPath == "" {
				configPath = "./node.yaml"
			}
			return run(configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to node config file")

	root.AddCommand(runCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("owner_id", cfg.OwnerID),
		zap.String("advertise_address", cfg.Server.AdvertiseAddress),
		zap.String("coordinator", cfg.Coordinator.URL),
		zap.Int("models", len(cfg.Models)))

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	if err := os.MkdirAll(cfg.Journal.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	journal, err := store.OpenPIDJournal(cfg.Journal.Dir, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	reaped, err := journal.Reap(store.ProcessMatches(cfg.Supervisor.Binary), store.KillProcess)
	if err != nil {
		logger.Error("Failed to reap orphaned inference processes", zap.Error(err))
	}
	m.OrphansReaped.Add(float64(reaped))

	gateway, err := payment.New(cfg.Payment, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}

	sup := supervisor.New(supervisor.ConfigFrom(cfg.Supervisor), cfg.Models, m, logger,
		supervisor.WithJournal(journal))

	pool := workerpool.NewWorkerPool(workerpool.Config{
		Name:       "control",
		MaxWorkers: cfg.Supervisor.Workers,
		QueueSize:  cfg.Supervisor.QueueSize,
		Logger:     logger,
	})

	control := handler.NewControlHandler(sup, pool, gateway, cfg.Server.ControlToken, m, logger)
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           control.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registration := &nodeapi.RegisterRequest{
		OwnerID:       cfg.OwnerID,
		Address:       cfg.Server.AdvertiseAddress,
		Capabilities:  cfg.Capabilities(),
		PayoutAddress: cfg.PayoutAddress,
		ControlToken:  cfg.Server.ControlToken,
	}
	coordinator := client.NewCoordinatorClient(cfg.Coordinator.URL, cfg.Coordinator.RequestTimeout, logger)
	reg, err := coordinator.RegisterWithRetry(ctx, registration, cfg.Coordinator.MaxRetries, cfg.Coordinator.RetryInterval)
	if err != nil {
		logger.Error("Could not register with coordinator", zap.Error(err))
		shutdown(logger, cfg, httpServer, sup, pool)
		return err
	}

	heartbeater := client.NewHeartbeater(coordinator, sup, registration, reg.NodeID,
		cfg.Coordinator.HeartbeatInterval, m, logger)
	go heartbeater.Run(ctx)

	select {
	case err := <-serverErrors:
		logger.Error("Control API failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	unregisterCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.RequestTimeout)
	if err := coordinator.Unregister(unregisterCtx, heartbeater.NodeID()); err != nil {
		logger.Warn("Failed to unregister from coordinator", zap.Error(err))
	}
	cancel()

	shutdown(logger, cfg, httpServer, sup, pool)
	heartbeater.Wait()
	return nil
}

func shutdown(logger *zap.Logger, cfg *config.Config, srv *http.Server, sup *supervisor.Supervisor, pool *workerpool.WorkerPool) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Control API shutdown incomplete", zap.Error(err))
	}
	if err := sup.Shutdown(ctx); err != nil {
		logger.Warn("Failed to stop all inference servers", zap.Error(err))
	}
	if err := pool.Stop(10 * time.Second); err != nil {
		logger.Warn("Worker pool stop incomplete", zap.Error(err))
	}
	logger.Info("Node stopped")
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
