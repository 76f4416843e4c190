package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mtiwari1/pairmerge/internal/config"
	"github.com/mtiwari1/pairmerge/internal/logging"
	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/metrics"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/storage"
	"github.com/mtiwari1/pairmerge/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run merge cycles",
	Long: `Run merge cycles against the configured stores.

Without flags a single cycle runs: the two oldest unprocessed files are joined
on their common columns and marked processed. --drain keeps merging with
--workers concurrent cycles until no pair is left. --interval repeats the run
on a schedule until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

var (
	runJobName    string
	runConfigPath string
	runWorkers    int
	runDrain      bool
	runInterval   time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runJobName, "job-name", "pairmerge", "Job name attached to run ids and logs")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "YAML config file (env PAIRMERGE_* overrides it)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent cycles in --drain mode (defaults to the configured workers)")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "Keep merging until fewer than two files are pending")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Repeat the run at this interval until interrupted")
}

func runMerge(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("workers") {
		if runWorkers < 1 {
			return fmt.Errorf("--workers must be at least 1, got %d", runWorkers)
		}
		cfg.Workers = runWorkers
	}
	if runInterval < 0 {
		return fmt.Errorf("--interval must not be negative, got %s", runInterval)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("job_name", runJobName))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(ctx, cfg.Repository())
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		return err
	}

	engine := merge.NewEngine(repo, store, cfg.Merge(), metrics.New(prometheus.NewRegistry()), logger)
	logger.Info("merger started",
		slog.Bool("drain", runDrain),
		slog.Int("workers", cfg.Workers),
		slog.Duration("interval", runInterval),
	)

	once := func() error {
		if runDrain {
			_, err := worker.Drain(ctx, engine, worker.DrainOptions{
				Workers:              cfg.Workers,
				JobName:              runJobName,
				RetryNoCommonColumns: cfg.MaxAttempts > 0,
			}, logger)
			return err
		}
		res, err := engine.RunOnce(ctx, fmt.Sprintf("%s-%s", runJobName, uuid.New().String()))
		if err != nil {
			return err
		}
		logger.Info("merge cycle finished",
			slog.String("run_id", res.RunID),
			slog.String("outcome", string(res.Outcome)),
			slog.Int("rows", res.Rows),
		)
		return nil
	}

	if runInterval == 0 {
		return once()
	}
	return schedule(ctx, runInterval, once, logger)
}

// schedule calls fn immediately and then on every tick until ctx is done.
// A failing run is logged and does not stop the schedule.
func schedule(ctx context.Context, interval time.Duration, fn func() error, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(); err != nil {
			logger.Error("scheduled run failed", slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			logger.Info("merger stopping")
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Info("merger stopping")
			return nil
		case <-ticker.C:
		}
	}
}
