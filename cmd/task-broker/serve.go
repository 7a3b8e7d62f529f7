package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nodeflow/task-broker/api/rest"
	"nodeflow/task-broker/internal/broker"
	"nodeflow/task-broker/internal/config"
	"nodeflow/task-broker/internal/dblock"
	"nodeflow/task-broker/internal/relay"
	"nodeflow/task-broker/pkg/logger"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Start the broker and begin accepting runner connections and task
submissions.

The broker is the dispatch core of the platform. It:
  - manages runner registration and heartbeats
  - offers pending tasks to idle runner slots
  - tracks every task in the ledger until its terminal state
  - relays results back, applying the redaction policy`,
	Example: `  # start with defaults
  task-broker serve

  # custom listen address
  task-broker serve --address :9090

  # with a config file
  task-broker serve --config config.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if cmd.Flags().Changed("address") {
		cfg.Server.Address = serveAddress
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	if err := logger.Setup(level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("setup logger failed: %w", err)
	}
	defer logger.Sync()

	locks, err := newLockCoordinator(cfg)
	if err != nil {
		return fmt.Errorf("setup lock coordinator failed: %w", err)
	}
	defer locks.Close()

	brokerCfg := broker.DefaultConfig()
	brokerCfg.OfferExpiry = cfg.Broker.OfferExpiry
	brokerCfg.MaxOfferRounds = cfg.Broker.MaxOfferRounds
	brokerCfg.HeartbeatInterval = cfg.Broker.HeartbeatInterval
	brokerCfg.HeartbeatTimeout = cfg.Broker.HeartbeatTimeout
	brokerCfg.ReapInterval = cfg.Broker.ReapInterval
	brokerCfg.LockAcquireTimeout = cfg.Broker.LockAcquireTimeout

	b := broker.New(brokerCfg, broker.NewRegistry(), broker.NewLedger(), relay.NewRedactingRelay(), locks)

	server := rest.NewServer(b, &rest.Config{
		Address:           cfg.Server.Address,
		BasePath:          cfg.Server.BasePath,
		HealthPath:        cfg.Server.HealthPath,
		AuthToken:         cfg.Auth.Token,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		EnableCORS:        cfg.Server.EnableCORS,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		DefaultCapacity:   cfg.Broker.DefaultCapacity,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start broker failed: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("broker listening", "address", cfg.Server.Address, "base_path", cfg.Server.BasePath)

	if err := server.StartWithContext(ctx); err != nil {
		cancel()
		_ = b.Stop(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := b.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop broker failed: %w", err)
	}
	return nil
}

// newLockCoordinator builds the configured cross-instance lock backend.
func newLockCoordinator(cfg *config.Config) (dblock.Coordinator, error) {
	switch cfg.Lock.Backend {
	case "postgres":
		return dblock.NewPostgresCoordinator(cfg.Lock.PostgresDSN)
	default:
		return dblock.NewMemoryCoordinator(), nil
	}
}
