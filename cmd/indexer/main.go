package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/nft-marketplace-indexer/internal/config"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/connection"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/indexer"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/metrics"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/monitor"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/notification"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/server"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

const shutdownTimeout = 30 * time.Second

// runMode selects which long-running components NewApplication builds
type runMode int

const (
	// modeServe runs the monitor with the HTTP API and websocket feed
	modeServe runMode = iota
	// modeBackfill indexes a fixed range; only webhooks observe the indexer
	modeBackfill
)

// Application wires the indexer components together
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	metrics    *metrics.Manager
	connection *connection.ConnectionManager
	chain      *connection.FailoverClient
	storage    storage.Storage
	indexer    *indexer.Indexer
	monitor    *monitor.EventMonitor
	hub        *server.WebSocketHub
	notifier   *notification.WebhookNotifier
	server     *server.HTTPServer
}

// loadConfig reads, validates and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = viper.GetString("log-level")
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewApplication builds the components mode needs. Nothing is started yet.
func NewApplication(cfg *config.Config, mode runMode) (*Application, error) {
	logCfg := cfg.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config:  cfg,
		logger:  utils.ComponentLogger("app"),
		metrics: metrics.NewManager(),
	}

	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	app.connection = connection.NewConnectionManager(&cfg.Chain, app.metrics)
	app.chain = connection.NewFailoverClient(app.connection, connection.ClientOptions{
		RequestTimeout: cfg.Chain.RequestTimeout,
		RetryAttempts:  cfg.Chain.RetryAttempts,
		RetryDelay:     cfg.Chain.RetryDelay,
	}, app.metrics)

	app.indexer = indexer.New(app.storage, app.metrics)

	mon, err := monitor.NewEventMonitor(
		app.chain,
		app.storage,
		app.indexer,
		monitor.NewMonitorConfig(&cfg.Chain, &cfg.Monitor),
		app.metrics,
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create event monitor: %w", err)
	}
	app.monitor = mon

	if cfg.Notification.Enabled {
		app.notifier = notification.NewWebhookNotifier(&cfg.Notification, app.metrics)
		if mode == modeBackfill {
			app.notifier.WithBackpressure()
		}
		app.indexer.Subscribe(app.notifier)
	}
	if mode == modeBackfill {
		return app, nil
	}

	if cfg.Server.EnableWebSocket {
		app.hub = server.NewWebSocketHub(app.metrics)
		app.indexer.Subscribe(app.hub)
	}
	app.server = server.NewHTTPServer(&cfg.Server, app.storage, app.monitor, app.hub, app.metrics)

	return app, nil
}

func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return fmt.Errorf("failed to migrate storage: %w", err)
	}

	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	return nil
}

// Run starts the monitor, the API and the websocket hub and blocks until ctx
// is cancelled or a component fails to start.
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"contract":    app.config.Chain.ContractAddress,
		"node":        app.config.Chain.NodeURL,
		"webhooks":    len(app.config.Notification.Webhooks),
	}).Info("Starting NFT marketplace indexer")

	if err := app.connection.HealthCheckWithContext(ctx); err != nil {
		app.logger.WithError(err).Warn("Chain node not reachable yet, the monitor will keep retrying")
	}

	g, gctx := errgroup.WithContext(ctx)

	if app.hub != nil {
		g.Go(func() error {
			app.hub.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := app.server.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.server.Stop(shutdownCtx)
	})

	if app.notifier != nil {
		g.Go(func() error {
			app.notifier.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		app.server.RunSystemMetrics(gctx, 15*time.Second)
		return nil
	})

	g.Go(func() error {
		if err := app.monitor.Start(gctx); err != nil {
			return fmt.Errorf("failed to start event monitor: %w", err)
		}
		<-gctx.Done()
		return app.monitor.Stop()
	})

	err := g.Wait()
	app.logger.Info("NFT marketplace indexer stopped")
	return err
}

// withNotifier runs fn while the webhook worker is delivering, then waits for
// the queue to drain before stopping the worker. Without webhooks it just
// calls fn.
func (app *Application) withNotifier(ctx context.Context, fn func(context.Context) error) error {
	if app.notifier == nil {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorker := context.WithCancel(gctx)

	g.Go(func() error {
		app.notifier.Run(workerCtx)
		return nil
	})

	g.Go(func() error {
		defer stopWorker()
		err := fn(gctx)

		drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if derr := app.notifier.Drain(drainCtx); derr != nil {
			stats := app.notifier.GetStats()
			app.logger.WithError(derr).WithFields(logrus.Fields{
				"pending":   stats.QueueLength,
				"delivered": stats.TotalDelivered,
			}).Warn("Webhook queue not drained")
		}
		return err
	})

	return g.Wait()
}

// Close releases storage and node connections
func (app *Application) Close() {
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}
	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:           "nft-indexer",
	Short:         "NFT marketplace event indexer",
	Long:          `Indexes NFT marketplace contract events into a queryable store and serves them over HTTP.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runIndexer,
}

func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, modeServe)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("NFT marketplace indexer %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Chain node: %s (%d backups)\n", cfg.Chain.NodeURL, len(cfg.Chain.BackupNodes))
		fmt.Printf("Contract: %s\n", cfg.Chain.ContractAddress)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
			return err
		}

		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		if err := store.Connect(); err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Index a fixed block range once",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := NewApplication(cfg, modeBackfill)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.connection.HealthCheckWithContext(ctx); err != nil {
			return fmt.Errorf("chain node not reachable: %w", err)
		}

		var result *monitor.RangeResult
		err = app.withNotifier(ctx, func(ctx context.Context) error {
			var berr error
			result, berr = app.monitor.Backfill(ctx, from, to)
			return berr
		})
		if result != nil {
			fmt.Printf("Blocks %d-%d: %d logs, %d applied, %d skipped, %d ignored, %d duplicates\n",
				from, to, result.LogsFetched, result.Applied, result.Skipped, result.Ignored, result.Duplicates)
		}
		if app.notifier != nil {
			stats := app.notifier.GetStats()
			fmt.Printf("Webhooks: %d delivered, %d failed, %d dropped\n",
				stats.TotalDelivered, stats.TotalFailed, stats.TotalDropped)
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	backfillCmd.Flags().Uint64("from", 0, "first block to index")
	backfillCmd.Flags().Uint64("to", 0, "last block to index")
	_ = backfillCmd.MarkFlagRequired("from")
	_ = backfillCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backfillCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
