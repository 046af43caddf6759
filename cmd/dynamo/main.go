package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dynamo/pkg/config"
	"dynamo/pkg/inventory"
	"dynamo/pkg/metrics"
	"dynamo/pkg/store"
	"dynamo/pkg/supply"
)

var version = "0.1.0"

var (
	configFile  string
	verbose     bool
	metricsPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynamo",
		Short: "Replica inventory and deletion policy engine",
		Long: `Dynamo keeps an inventory of dataset replicas across storage sites and
deletes replicas according to a policy when sites run over quota.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $DYNAMO_CONFIG_DIR/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port")

	rootCmd.AddCommand(
		updateCmd(),
		detoxCmd(),
		statusCmd(),
		snapshotCmd(),
		snapshotsCmd(),
		restoreCmd(),
		historyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dynamo v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadConfig reads --config, then the default config file, then falls back
// to the environment.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat(config.GetConfigPath()); err == nil {
			path = config.GetConfigPath()
		}
	}
	if path == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	inv     *inventory.Inventory
	metrics *metrics.Metrics

	registry *prometheus.Registry
	server   *http.Server
}

// newApp opens the store and, when load is set, rebuilds the inventory from
// it and merges the configured partitions and quotas.
func newApp(ctx context.Context, load bool) (*app, error) {
	logger := setupLogger(verbose)
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if metricsPort != 0 {
		cfg.Metrics.Port = metricsPort
	}

	opts := cfg.StoreOptions()
	opts.Logger = logger
	st, err := store.Open(cfg.Store.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: prometheus.NewRegistry(),
	}
	a.metrics = metrics.New(a.registry)
	if cfg.Metrics.Port != 0 {
		a.server = metrics.StartServer(cfg.Metrics.Port, a.registry, logger)
	}
	a.inv = inventory.New(inventory.Options{
		Store:         st,
		Logger:        logger,
		FileCacheSize: cfg.Inventory.FileCacheSize,
		CheckFiles:    cfg.Inventory.CheckFiles,
	})
	if !load {
		return a, nil
	}

	if _, err := a.inv.Load(ctx, inventory.LoadFilter{}); err != nil {
		a.Close()
		return nil, err
	}
	doc := cfg.Document()
	if len(doc.Partitions) > 0 || len(doc.Quotas) > 0 {
		if _, err := a.updater().Update(ctx, supply.NewStaticSupplier("config", doc)); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to apply configured partitions: %w", err)
		}
	}
	return a, nil
}

func (a *app) updater() *supply.Updater {
	return supply.NewUpdater(a.inv, supply.UpdaterOptions{
		Metrics: a.metrics,
		Retry:   a.cfg.Retry,
		Logger:  a.logger,
	})
}

func (a *app) Close() {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
