package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"lbsync/internal/admin"
	"lbsync/internal/config"
	"lbsync/internal/discovery"
	"lbsync/internal/scheduler"
	"lbsync/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "lbsync",
		Short:        "Liquidity Book DEX sync engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("chain", "bsc", "chain name when configuring a single chain by flag")
	root.PersistentFlags().StringSlice("rpc", nil, "RPC URLs for the single chain (comma-separated)")
	root.PersistentFlags().String("factory", "", "LBFactory address for the single chain")
	root.PersistentFlags().String("storage.driver", "postgres", "storage driver (postgres, memory)")
	root.PersistentFlags().String("storage.dsn", "", "Postgres DSN")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator, scheduler and admin server until interrupted",
		RunE:  runService,
	}
	runCmd.Flags().String("admin.addr", ":8080", "admin server listen address")
	runCmd.Flags().Bool("scheduler.enabled", true, "run cron jobs")
	root.AddCommand(runCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass and exit",
		RunE:  runSync,
	}
	root.AddCommand(syncCmd)

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan each factory for new pools and print the result",
		RunE:  runDiscover,
	}
	discoverCmd.Flags().Uint64("discovery.max-scan", 100, "maximum factory indices scanned per run")
	root.AddCommand(discoverCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE:  runMigrate,
	}
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, changedFlags(cmd.Flags()))
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// changedFlags returns only the flags set on the command line so flag
// defaults never shadow config file or environment values.
func changedFlags(flags *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet("changed", pflag.ContinueOnError)
	flags.Visit(func(f *pflag.Flag) {
		out.AddFlag(f)
	})
	return out
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := a.newCoordinator()
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	sched := scheduler.New(logger, scheduler.WithRecorder(a.metrics))
	if cfg.Scheduler.Enabled {
		for _, job := range scheduler.DefaultJobs(coord) {
			if err := sched.Register(job); err != nil {
				return err
			}
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	logger.Info("lbsync started",
		zap.Int("chains", len(cfg.Chains)),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("admin", cfg.Admin.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		server := admin.NewServer(admin.Config{Addr: cfg.Admin.Addr}, coord, sched, a.metrics.Handler(), logger)
		g.Go(func() error { return server.Run(gctx) })
	}
	g.Go(func() error {
		// The first pass runs immediately rather than waiting for the cron tick.
		res := coord.TriggerFrequentSync(gctx)
		logger.Info("initial sync", zap.String("status", res.Status), zap.String("message", res.Message))
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("lbsync stopping")
	return err
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := a.newCoordinator()
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	if err := coord.TriggerFullSync(ctx); err != nil {
		return err
	}
	return printJSON(cmd, coord.SystemStatus(ctx))
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.discovery) == 0 {
		return fmt.Errorf("no chain has discovery enabled with a factory address")
	}
	results := make(map[string]discovery.ScanResult, len(a.discovery))
	for name, svc := range a.discovery {
		res, err := svc.Scan(ctx)
		if err != nil {
			return fmt.Errorf("discover %s: %w", name, err)
		}
		results[name] = res
	}
	return printJSON(cmd, results)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Storage.Driver)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

