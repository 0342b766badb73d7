// Package migrate moves tenants from one physical index version to another while reads and writes continue.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/orgsearch/tenant-index/fanout"
	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/lock"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/orgsearch/tenant-index/provision"
	"github.com/orgsearch/tenant-index/resolver"
)

var ErrAtTargetVersion = errors.New("index is already at the target version")

const (
	stepProvision = "provision"
	stepBackfill  = "backfill"
	stepReplay    = "replay"
	stepCutover   = "cutover"
	stepCleanup   = "cleanup"
)

type Opts struct {
	// Concurrency bounds the number of tenants MigrateAll moves at once.  Defaults to 2.
	Concurrency int

	// Locker serializes migrations of the same tenant.  Defaults to an in-process lock, which is only enough
	// when a single orchestrator runs against the cluster.
	Locker lock.Locker

	// Tombstones must be shared with every fanout.Writer of this process for deletes issued during a
	// backfill to be replayed.
	Tombstones *fanout.Tombstones
}

type Orchestrator struct {
	gw         gateway.Gateway
	prov       *provision.Provisioner
	locker     lock.Locker
	tombstones *fanout.Tombstones
	opts       Opts
}

func New(gw gateway.Gateway, prov *provision.Provisioner, opts Opts) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Tombstones == nil {
		opts.Tombstones = fanout.NewTombstones()
	}

	return &Orchestrator{
		gw:         gw,
		prov:       prov,
		locker:     opts.Locker,
		tombstones: opts.Tombstones,
		opts:       opts,
	}
}

func (o *Orchestrator) Tombstones() *fanout.Tombstones {
	return o.tombstones
}

// DiscoverStale returns the sorted names of all tenant indices whose version is not target.  Indices that
// are not tenant indices are ignored.
func (o *Orchestrator) DiscoverStale(ctx context.Context, target int) ([]string, error) {
	indices, err := o.gw.ListIndices(ctx)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.DiscoverError).Inc()
		return nil, fmt.Errorf("list indices: %w", err)
	}

	var stale []string
	for _, name := range indices {
		ti, err := naming.ParseIndexName(name)
		if err != nil {
			continue
		}
		if ti.Version != target {
			stale = append(stale, name)
		}
	}
	slices.Sort(stale)

	metrics.StaleIndices.Set(float64(len(stale)))
	return stale, nil
}

// Migrate moves the tenant owning oldIndex to version target and returns the index that serves it afterwards.
//
// Every step checks the cluster before acting, so Migrate can be re-run after a failure at any point.  When
// the new index already serves reads only the cleanup is left.  When oldIndex is not the read target at all
// (a leftover from an earlier run) it is detached from the write alias and deleted.
func (o *Orchestrator) Migrate(ctx context.Context, oldIndex string, target int) (naming.TenantIndex, error) {
	old, err := naming.ParseIndexName(oldIndex)
	if err != nil {
		return naming.TenantIndex{}, err
	}
	next := naming.TenantIndex{TenantID: old.TenantID, Version: target}
	if old.Version == target {
		return next, fmt.Errorf("%w: %s", ErrAtTargetVersion, oldIndex)
	}

	held, unlock, err := o.locker.Lock(ctx, old.TenantID)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.LockError).Inc()
		return next, fmt.Errorf("lock tenant %s: %w", old.TenantID, err)
	}
	defer unlock()

	current, err := o.migrateLocked(held, old, next)
	if cause := context.Cause(held); err != nil && errors.Is(cause, lock.ErrLockLost) {
		// Whoever holds the lock now owns the migration and its deletes.
		metrics.ErrorsTotal.WithLabelValues(metrics.LockError).Inc()
		o.tombstones.Forget(old.TenantID)
		if !errors.Is(err, lock.ErrLockLost) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
	}
	return current, err
}

// migrateLocked runs with the tenant lock held; ctx ends if the lock is lost.
func (o *Orchestrator) migrateLocked(ctx context.Context, old, next naming.TenantIndex) (naming.TenantIndex, error) {
	read, err := resolver.ReadTarget(ctx, o.gw, old.TenantID)
	if err != nil {
		return next, err
	}
	write, err := resolver.WriteTargets(ctx, o.gw, old.TenantID)
	if err != nil {
		return next, err
	}

	switch read {
	case next.Name():
		logger.Info("Tenant already cut over, cleaning up", "tenant", old.TenantID, "old", old.Name(), "new", next.Name())
		return next, o.cleanup(ctx, old, write)
	case old.Name():
		return next, o.migrate(ctx, old, next, write)
	default:
		current, err := naming.ParseIndexName(read)
		if err != nil {
			return next, fmt.Errorf("read alias %s points at %s: %w", old.ReadAlias(), read, err)
		}
		logger.Info("Index no longer serves reads, cleaning up", "tenant", old.TenantID, "old", old.Name(), "read", read)
		return current, o.cleanup(ctx, old, write)
	}
}

func (o *Orchestrator) migrate(ctx context.Context, old, next naming.TenantIndex, write []string) error {
	for _, idx := range write {
		if idx != old.Name() && idx != next.Name() {
			return &resolver.InvariantError{Alias: old.WriteAlias(), Targets: write, Want: old.Name() + " and at most " + next.Name()}
		}
	}
	if !slices.Contains(write, old.Name()) {
		return &resolver.InvariantError{Alias: old.WriteAlias(), Targets: write, Want: old.Name() + " while it serves reads"}
	}

	tenantID := old.TenantID
	logger.Info("Migrating tenant index", "tenant", tenantID, "from", old.Name(), "to", next.Name())

	// Deletes must be recorded from before the new index joins the write alias.
	o.tombstones.Track(tenantID)

	if err := o.step(ctx, stepProvision, metrics.ProvisionError, func() error {
		_, err := o.prov.Provision(ctx, tenantID, next.Version, provision.Options{})
		return err
	}); err != nil {
		return fmt.Errorf("provision %s: %w", next.Name(), err)
	}

	if err := o.step(ctx, stepBackfill, metrics.BackfillError, func() error {
		res, err := o.gw.Reindex(ctx, old.Name(), next.Name())
		if err != nil {
			return err
		}
		logger.Info("Backfilled tenant index", "tenant", tenantID, "index", next.Name(),
			"total", res.Total, "created", res.Created, "kept", res.VersionConflicts)
		return nil
	}); err != nil {
		return fmt.Errorf("backfill %s from %s: %w", next.Name(), old.Name(), err)
	}

	if err := o.step(ctx, stepReplay, metrics.ReplayError, func() error {
		return o.replayDeletes(ctx, tenantID, next.Name())
	}); err != nil {
		return fmt.Errorf("replay deletes on %s: %w", next.Name(), err)
	}

	if err := o.step(ctx, stepCutover, metrics.CutoverError, func() error {
		return o.gw.UpdateAliases(ctx, []gateway.AliasAction{
			gateway.RemoveAlias(old.Name(), old.ReadAlias()),
			gateway.AddAlias(next.Name(), next.ReadAlias()),
			gateway.RemoveAlias(old.Name(), old.WriteAlias()),
		})
	}); err != nil {
		return fmt.Errorf("cut over to %s: %w", next.Name(), err)
	}

	if err := o.step(ctx, stepCleanup, metrics.CleanupError, func() error {
		return o.deleteIndex(ctx, old.Name())
	}); err != nil {
		return fmt.Errorf("delete %s: %w", old.Name(), err)
	}

	o.tombstones.Forget(tenantID)
	logger.Info("Migrated tenant index", "tenant", tenantID, "from", old.Name(), "to", next.Name())
	return nil
}

// cleanup detaches old from the write alias and deletes it.  It never leaves the write alias empty.
func (o *Orchestrator) cleanup(ctx context.Context, old naming.TenantIndex, write []string) error {
	err := o.step(ctx, stepCleanup, metrics.CleanupError, func() error {
		if slices.Contains(write, old.Name()) {
			if len(write) == 1 {
				return &resolver.InvariantError{Alias: old.WriteAlias(), Targets: write, Want: "an index besides " + old.Name()}
			}
			if err := o.gw.UpdateAliases(ctx, []gateway.AliasAction{gateway.RemoveAlias(old.Name(), old.WriteAlias())}); err != nil {
				return err
			}
		}
		return o.deleteIndex(ctx, old.Name())
	})
	if err != nil {
		return fmt.Errorf("clean up %s: %w", old.Name(), err)
	}
	o.tombstones.Forget(old.TenantID)
	return nil
}

// replayDeletes applies the deletes recorded since tracking began to index.  On failure the ids are recorded
// again for the next attempt.
func (o *Orchestrator) replayDeletes(ctx context.Context, tenantID, index string) error {
	ids := o.tombstones.Drain(tenantID)
	if len(ids) == 0 {
		return nil
	}

	ops := make([]gateway.BulkOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, gateway.BulkOp{Action: gateway.BulkDelete, Index: index, ID: id})
	}

	items, err := o.gw.Bulk(ctx, ops)
	if err != nil {
		o.tombstones.Record(tenantID, ids...)
		return err
	}

	var failed []string
	for _, item := range items {
		if item.Err != nil {
			failed = append(failed, item.ID)
		}
	}
	if len(failed) > 0 {
		o.tombstones.Record(tenantID, failed...)
		return fmt.Errorf("%d of %d deletes rejected, first %s", len(failed), len(ids), failed[0])
	}

	metrics.TombstonesReplayed.Add(float64(len(ids)))
	logger.Info("Replayed deletes", "tenant", tenantID, "index", index, "count", len(ids))
	return nil
}

func (o *Orchestrator) deleteIndex(ctx context.Context, name string) error {
	err := o.gw.DeleteIndex(ctx, name)
	if errors.Is(err, gateway.ErrIndexNotFound) {
		return nil
	}
	return err
}

// step runs fn unless ctx already ended, in which case the cause is returned and nothing is attempted.
func (o *Orchestrator) step(ctx context.Context, name, errLabel string, fn func() error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	start := time.Now()
	err := fn()
	metrics.MigrationStepSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(errLabel).Inc()
	}
	return err
}
