package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fairlens/trustscope/backend/internal/config"
	"github.com/fairlens/trustscope/backend/internal/logger"
	"github.com/fairlens/trustscope/backend/internal/scheduler"
	"github.com/fairlens/trustscope/backend/internal/scoring"
	"github.com/fairlens/trustscope/backend/internal/store"
)

var purgeMaxAge time.Duration

func main() {
	log := logger.New("scheduler")

	root := &cobra.Command{
		Use:           "scheduler",
		Short:         "Recompute trust scores in bulk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "incremental",
			Short: "Rescore entities with evidence newer than their snapshot",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), log, scheduler.ModeIncremental)
			},
		},
		&cobra.Command{
			Use:   "full",
			Short: "Rescore every known entity",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), log, scheduler.ModeFull)
			},
		},
		periodicCommand(log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error("scheduler failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func periodicCommand(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "periodic",
		Short: "Run incremental passes on an interval until terminated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPeriodic(cmd.Context(), log)
		},
	}
	cmd.Flags().DurationVar(&purgeMaxAge, "purge-events-older-than", 0,
		"also purge events older than this age each pass (0 disables)")
	return cmd
}

func setup(ctx context.Context, log *slog.Logger) (*config.Scheduler, *store.Store, *scheduler.Scheduler, error) {
	cfg, err := config.LoadScheduler()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	scoringCfg, err := scoring.LoadConfig(cfg.ScoringConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load scoring config: %w", err)
	}

	st, err := connectStore(ctx, log, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.EnsureIndices(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ensure indices: %w", err)
	}

	clock := clockwork.NewRealClock()
	engine := scoring.NewEngine(scoringCfg, clock)
	sched := scheduler.New(st, engine, log, clock, cfg.Lookback, cfg.DriftThreshold)
	return cfg, st, sched, nil
}

// connectStore retries the Elasticsearch connection with exponential backoff
// so the scheduler survives starting before the cluster.
func connectStore(ctx context.Context, log *slog.Logger, cfg *config.Scheduler) (*store.Store, error) {
	maxRetries := 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		st, err := store.New(cfg.ElasticsearchAddr, cfg.EventIndex, cfg.ScoreIndex, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := st.Ping(pingCtx)
			cancel()
			if pingErr == nil {
				log.Info("connected to elasticsearch")
				return st, nil
			}
			err = pingErr
		}

		log.Warn("elasticsearch unavailable, retrying",
			slog.Any("err", err),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_in", retryDelay),
		)

		select {
		case <-time.After(retryDelay):
			// Continue to next attempt
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	return nil, fmt.Errorf("elasticsearch unreachable after %d attempts", maxRetries)
}

func runOnce(ctx context.Context, log *slog.Logger, mode scheduler.Mode) error {
	_, _, sched, err := setup(ctx, log)
	if err != nil {
		return err
	}

	var report scheduler.Report
	if mode == scheduler.ModeFull {
		report = sched.Full(ctx)
	} else {
		report = sched.Incremental(ctx)
	}

	logReport(log, report)
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d entities failed", len(report.Errors))
	}
	return nil
}

func runPeriodic(ctx context.Context, log *slog.Logger) error {
	cfg, st, sched, err := setup(ctx, log)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("periodic scheduler running",
		slog.Duration("interval", cfg.Interval),
		slog.Duration("lookback", cfg.Lookback),
	)

	// Run immediately on start; failures surface in the report and the
	// next tick retries.
	tick(ctx, log, st, sched)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return nil
		case <-ticker.C:
			tick(ctx, log, st, sched)
		}
	}
}

func tick(ctx context.Context, log *slog.Logger, st *store.Store, sched *scheduler.Scheduler) {
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	logReport(log, sched.Incremental(subCtx))

	if purgeMaxAge > 0 {
		deleted, err := st.PurgeEventsOlderThan(subCtx, purgeMaxAge, 1000)
		if err != nil {
			log.Warn("event purge failed (will retry on next interval)", slog.Any("err", err))
		} else if deleted > 0 {
			log.Info("event purge completed", slog.Int64("deleted", deleted))
		}
	}
}

func logReport(log *slog.Logger, report scheduler.Report) {
	if report.AlreadyRunning {
		log.Warn("pass skipped, another is already running", slog.String("mode", string(report.Mode)))
		return
	}

	for _, entErr := range report.Errors {
		log.Error("entity rescore failed",
			slog.String("entity", entErr.Entity.Key()),
			slog.Any("err", entErr.Err),
		)
	}
	for _, drift := range report.Drifts {
		log.Warn("score drift",
			slog.String("entity", drift.Entity.Key()),
			slog.Float64("previous", drift.Previous),
			slog.Float64("current", drift.Current),
			slog.Float64("delta", drift.Delta),
		)
	}

	log.Info("pass report",
		slog.String("mode", string(report.Mode)),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", len(report.Errors)),
		slog.Int("drifts", len(report.Drifts)),
		slog.Duration("took", report.Finished.Sub(report.Started)),
	)
}
