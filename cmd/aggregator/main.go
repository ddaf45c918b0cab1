package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/cspm-aggregator/internal/aggregate"
	"github.com/lvonguyen/cspm-aggregator/internal/config"
	"github.com/lvonguyen/cspm-aggregator/internal/store"
)

// app is shared by the subcommands once the root pre-run has loaded config.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "aggregator",
		Short:         "Sync cloud security reports into SQLite and aggregate coverage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "configs/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides database.path)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides logging.level)")

	root.AddCommand(newSyncCommand(a))
	root.AddCommand(newReportCommand(a))
	root.AddCommand(newNativeCommand(a))
	root.AddCommand(newAccountsCommand(a))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		if a.logger != nil {
			a.logger.Info("Received shutdown signal")
		}
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger

	a.logger.Info("Starting CSPM Aggregator",
		zap.String("config", a.configPath),
		zap.String("db", cfg.Database.Path),
		zap.String("tenant", cfg.Tenant),
	)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

// openEngine opens the configured store; callers close it.
func (a *app) openEngine() (*store.Store, *aggregate.Engine, error) {
	if a.cfg.Database.Path == "" {
		a.logger.Warn("No database path configured; tables are discarded on exit")
	}
	s, err := store.Open(store.Options{Path: a.cfg.Database.Path, Logger: a.logger})
	if err != nil {
		return nil, nil, err
	}
	return s, aggregate.NewEngine(s, a.cfg.Database.MachinesTable, a.logger), nil
}
