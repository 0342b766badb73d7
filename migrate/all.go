package migrate

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/pkg/flake"
	"github.com/orgsearch/tenant-index/pkg/logger"
)

// Report is the outcome of one MigrateAll run.
type Report struct {
	RunID  string
	Target int

	// Stale are the indices discovered at the start of the run.
	Stale    []string
	// Migrated are the stale indices that are gone, sorted.
	Migrated []string
	// Failed maps a stale index to the error that stopped its migration.
	Failed   map[string]error
}

// MigrateAll discovers every stale index and migrates it to target, at most Concurrency tenants at a time.
// A failed tenant does not stop the others; the returned error combines every failure.
func (o *Orchestrator) MigrateAll(ctx context.Context, target int) (Report, error) {
	report := Report{
		RunID:  flake.NextID(),
		Target: target,
		Failed: make(map[string]error),
	}

	stale, err := o.DiscoverStale(ctx, target)
	if err != nil {
		return report, err
	}
	report.Stale = stale
	if len(stale) == 0 {
		logger.Debug("No stale tenant indices", "run", report.RunID, "target", target)
		return report, nil
	}
	logger.Info("Starting migration run", "run", report.RunID, "target", target, "stale", len(stale))

	var (
		mu   sync.Mutex
		errs error
	)
	start := time.Now()

	// Not errgroup.WithContext: one tenant's failure must not cancel the others.
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, index := range stale {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Failed[index] = ctx.Err()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", index, ctx.Err()))
				mu.Unlock()
				return nil
			}

			current, err := o.Migrate(ctx, index, target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.MigrationsTotal.WithLabelValues("failure").Inc()
				logger.Error("Tenant migration failed", "run", report.RunID, "index", index, "error", err)
				report.Failed[index] = err
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", index, err))
				return nil
			}
			metrics.MigrationsTotal.WithLabelValues("success").Inc()
			logger.Info("Tenant migration done", "run", report.RunID, "index", index, "current", current.Name())
			report.Migrated = append(report.Migrated, index)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(report.Migrated)
	logger.Info("Finished migration run", "run", report.RunID, "target", target,
		"migrated", len(report.Migrated), "failed", len(report.Failed), "duration", time.Since(start).String())
	return report, errs
}

// Runner runs MigrateAll on a schedule.
type Runner struct {
	o      *Orchestrator
	target int
}

func NewRunner(o *Orchestrator, target int) *Runner {
	return &Runner{o: o, target: target}
}

func (r *Runner) Name() string { return "migrate" }

func (r *Runner) Run(ctx context.Context) error {
	_, err := r.o.MigrateAll(ctx, r.target)
	return err
}
