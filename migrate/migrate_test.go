package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"

	"github.com/orgsearch/tenant-index/fanout"
	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/lock"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/provision"
	"github.com/orgsearch/tenant-index/resolver"
	"github.com/orgsearch/tenant-index/schema"
)

const (
	tenantA = "0b6f3c1e-2a4d-4e8f-9a1b-3c5d7e9f1a2b"
	tenantB = "5e8a9b2c-7d1f-4c3e-8b6a-0f2d4e6a8c1b"
	tenantC = "c4d2e8f1-9b3a-4a7c-b5e6-1d8f2a4c6e9b"
)

func newOrchestrator(t *testing.T, gw gateway.Gateway, opts Opts) *Orchestrator {
	t.Helper()
	p, err := provision.New(gw, schema.DefaultMapping, provision.Opts{HealthInterval: time.Millisecond, HealthTimeout: time.Second})
	require.NoError(t, err)
	return New(gw, p, opts)
}

// addTenant creates a tenant in steady state at version with one document.
func addTenant(gw *gateway.Fake, tenantID string, version int) string {
	name := naming.IndexName(tenantID, version)
	gw.AddIndex(name, naming.ReadAlias(tenantID), naming.WriteAlias(tenantID))
	gw.PutDocument(name, "post:1", json.RawMessage(`{"doc_type":"post","title":"first"}`))
	return name
}

func aliasTargets(t *testing.T, gw gateway.Gateway, alias string) []string {
	t.Helper()
	targets, err := gw.AliasTargets(context.Background(), alias)
	require.NoError(t, err)
	return targets
}

func TestMigrate_RoundTrip(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	o := newOrchestrator(t, gw, Opts{})

	ti, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
	require.Equal(t, v2, ti.Name())

	read, err := resolver.ReadTarget(context.Background(), gw, tenantA)
	require.NoError(t, err)
	require.Equal(t, v2, read)
	require.Equal(t, []string{v2}, aliasTargets(t, gw, naming.WriteAlias(tenantA)))
	require.False(t, gw.HasIndex(v1))

	doc, err := gw.Get(context.Background(), v2, "post:1")
	require.NoError(t, err)
	require.Equal(t, "first", fastjson.GetString(doc, "title"))

	state, err := o.State(context.Background(), v1, 2)
	require.NoError(t, err)
	require.Equal(t, CleanedUp, state)
}

func TestMigrate_CutoverIsOneAtomicCall(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	o := newOrchestrator(t, gw, Opts{})

	_, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)

	updates := gw.CallsNamed(gateway.CallUpdateAliases)
	require.Len(t, updates, 1)
	require.Equal(t, []gateway.AliasAction{
		gateway.RemoveAlias(v1, naming.ReadAlias(tenantA)),
		gateway.AddAlias(v2, naming.ReadAlias(tenantA)),
		gateway.RemoveAlias(v1, naming.WriteAlias(tenantA)),
	}, updates[0].Actions)

	// Steps run in order: provision, backfill, cutover, cleanup.
	var names []string
	for _, c := range gw.Mutations() {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{gateway.CallCreateIndex, gateway.CallReindex, gateway.CallUpdateAliases, gateway.CallDeleteIndex}, names)
}

func TestMigrate_ReadAliasNeverEmptyOrDouble(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	o := newOrchestrator(t, gw, Opts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		observed []int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			read, _ := gw.AliasTargets(context.Background(), naming.ReadAlias(tenantA))
			write, _ := gw.AliasTargets(context.Background(), naming.WriteAlias(tenantA))
			mu.Lock()
			observed = append(observed, len(read))
			if len(write) < 1 || len(write) > 2 {
				observed = append(observed, -len(write))
			}
			mu.Unlock()
		}
	}()

	_, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
	cancel()
	wg.Wait()

	for _, n := range observed {
		require.Equal(t, 1, n)
	}
}

func TestMigrate_DualWriteDuringBackfill(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	gw.PutDocument(v1, "post:2", json.RawMessage(`{"doc_type":"post","title":"old"}`))

	o := newOrchestrator(t, gw, Opts{})
	w := fanout.NewWriter(gw, fanout.Opts{Tombstones: o.Tombstones()})

	gw.OnReindexSnapshot = func() {
		// The new index is in the write alias, so this write reaches both indices before the copy.
		res, err := w.IndexDocument(context.Background(), tenantA, fanout.Document{ID: "2", Type: "post", Source: json.RawMessage(`{"title":"live"}`)})
		require.NoError(t, err)
		require.Equal(t, []string{v1, v2}, res.Targets)
	}

	_, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)

	doc, err := gw.Get(context.Background(), v2, "post:2")
	require.NoError(t, err)
	require.Equal(t, "live", fastjson.GetString(doc, "title"))
}

func TestMigrate_DeleteDuringBackfillIsReplayed(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	gw.PutDocument(v1, "post:2", json.RawMessage(`{"doc_type":"post"}`))

	o := newOrchestrator(t, gw, Opts{})
	w := fanout.NewWriter(gw, fanout.Opts{Tombstones: o.Tombstones()})

	gw.OnReindexSnapshot = func() {
		// The copy already read post:1 from the old index.
		_, err := w.DeleteDocument(context.Background(), tenantA, "post", "1")
		require.NoError(t, err)
	}

	_, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)

	require.NotContains(t, gw.Documents(v2), "post:1")
	require.Contains(t, gw.Documents(v2), "post:2")
	require.False(t, o.Tombstones().Tracked(tenantA))
}

func TestMigrate_FailedRewriteKeepsDeleteForReplay(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	gw.PutDocument(v1, "post:1", json.RawMessage(`{"doc_type":"post"}`))

	o := newOrchestrator(t, gw, Opts{})
	w := fanout.NewWriter(gw, fanout.Opts{Tombstones: o.Tombstones()})

	gw.OnReindexSnapshot = func() {
		_, err := w.DeleteDocument(context.Background(), tenantA, "post", "1")
		require.NoError(t, err)

		gw.FailOn(gateway.CallBulk, gateway.ErrClusterUnavailable)
		_, err = w.IndexDocument(context.Background(), tenantA, fanout.Document{ID: "1", Type: "post"})
		require.Error(t, err)
		gw.FailOn(gateway.CallBulk, nil)
		require.Equal(t, 1, o.Tombstones().Len(tenantA))
	}

	_, err := o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)

	// The last write that reached the cluster was the delete.
	require.NotContains(t, gw.Documents(v2), "post:1")
}

func TestMigrate_ReplayFailureKeepsTombstones(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)

	o := newOrchestrator(t, gw, Opts{})
	w := fanout.NewWriter(gw, fanout.Opts{Tombstones: o.Tombstones()})
	gw.OnReindexSnapshot = func() {
		_, err := w.DeleteDocument(context.Background(), tenantA, "post", "1")
		require.NoError(t, err)
		gw.FailOn(gateway.CallBulk, gateway.ErrClusterUnavailable)
	}

	_, err := o.Migrate(context.Background(), v1, 2)
	require.ErrorIs(t, err, gateway.ErrClusterUnavailable)
	require.True(t, o.Tombstones().Tracked(tenantA))
	require.Equal(t, 1, o.Tombstones().Len(tenantA))

	// Reads never moved.
	require.Equal(t, []string{v1}, aliasTargets(t, gw, naming.ReadAlias(tenantA)))

	gw.OnReindexSnapshot = nil
	gw.FailOn(gateway.CallBulk, nil)
	_, err = o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
	require.NotContains(t, gw.Documents(v2), "post:1")
}

func TestMigrate_ResumesAfterEachStep(t *testing.T) {
	for _, step := range []string{gateway.CallCreateIndex, gateway.CallReindex, gateway.CallUpdateAliases, gateway.CallDeleteIndex} {
		t.Run(step, func(t *testing.T) {
			gw := gateway.NewFake()
			v1 := addTenant(gw, tenantA, 1)
			v2 := naming.IndexName(tenantA, 2)
			o := newOrchestrator(t, gw, Opts{})

			boom := errors.New("boom")
			gw.FailOn(step, boom)
			_, err := o.Migrate(context.Background(), v1, 2)
			require.ErrorIs(t, err, boom)

			// Whatever was reached, the aliases stay valid.
			require.Len(t, aliasTargets(t, gw, naming.ReadAlias(tenantA)), 1)
			write := aliasTargets(t, gw, naming.WriteAlias(tenantA))
			require.GreaterOrEqual(t, len(write), 1)
			require.LessOrEqual(t, len(write), 2)

			gw.FailOn(step, nil)
			ti, err := o.Migrate(context.Background(), v1, 2)
			require.NoError(t, err)
			require.Equal(t, v2, ti.Name())
			require.Equal(t, []string{v2}, aliasTargets(t, gw, naming.ReadAlias(tenantA)))
			require.Equal(t, []string{v2}, aliasTargets(t, gw, naming.WriteAlias(tenantA)))
			require.False(t, gw.HasIndex(v1))
			require.Contains(t, gw.Documents(v2), "post:1")
		})
	}
}

func TestMigrate_AfterCutoverOnlyCleansUp(t *testing.T) {
	gw := gateway.NewFake()
	v1 := naming.IndexName(tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	gw.AddIndex(v1)
	gw.AddIndex(v2, naming.ReadAlias(tenantA), naming.WriteAlias(tenantA))
	o := newOrchestrator(t, gw, Opts{})

	state, err := o.State(context.Background(), v1, 2)
	require.NoError(t, err)
	require.Equal(t, CutOver, state)

	_, err = o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)

	var names []string
	for _, c := range gw.Mutations() {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{gateway.CallDeleteIndex}, names)
	require.False(t, gw.HasIndex(v1))

	// Running it again is a no-op.
	_, err = o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
}

func TestMigrate_LeftoverIndexIsCleanedUp(t *testing.T) {
	gw := gateway.NewFake()
	v2 := naming.IndexName(tenantA, 2)
	v3 := naming.IndexName(tenantA, 3)
	gw.AddIndex(v2, naming.ReadAlias(tenantA), naming.WriteAlias(tenantA))
	gw.AddIndex(v3, naming.WriteAlias(tenantA))
	o := newOrchestrator(t, gw, Opts{})

	ti, err := o.Migrate(context.Background(), v3, 2)
	require.NoError(t, err)
	require.Equal(t, v2, ti.Name())
	require.False(t, gw.HasIndex(v3))
	require.Equal(t, []string{v2}, aliasTargets(t, gw, naming.WriteAlias(tenantA)))
}

func TestMigrate_ForeignWriteTarget(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	gw.AddIndex(naming.IndexName(tenantA, 7), naming.WriteAlias(tenantA))
	o := newOrchestrator(t, gw, Opts{})

	_, err := o.Migrate(context.Background(), v1, 2)
	require.ErrorIs(t, err, resolver.ErrAliasInvariant)
	require.Empty(t, gw.Mutations())
}

func TestMigrate_BrokenReadAlias(t *testing.T) {
	gw := gateway.NewFake()
	v1 := naming.IndexName(tenantA, 1)
	gw.AddIndex(v1, naming.WriteAlias(tenantA))
	o := newOrchestrator(t, gw, Opts{})

	_, err := o.Migrate(context.Background(), v1, 2)
	require.ErrorIs(t, err, resolver.ErrAliasInvariant)
	require.Empty(t, gw.Mutations())
}

func TestMigrate_Rejects(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	o := newOrchestrator(t, gw, Opts{})

	_, err := o.Migrate(context.Background(), v1, 1)
	require.ErrorIs(t, err, ErrAtTargetVersion)

	_, err = o.Migrate(context.Background(), ".kibana_1", 2)
	require.ErrorIs(t, err, naming.ErrNotTenantIndex)
	require.Empty(t, gw.Mutations())
}

func TestMigrate_WaitsForTenantLock(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	locker := lock.NewLocal()
	o := newOrchestrator(t, gw, Opts{Locker: locker})

	_, unlock, err := locker.Lock(context.Background(), tenantA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Migrate(ctx, v1, 2)
	require.ErrorIs(t, err, lock.ErrLockHeld)
	require.Empty(t, gw.Mutations())

	unlock()
	_, err = o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
}

// losableLocker hands out held contexts the test can end as if the lock was taken away.
type losableLocker struct {
	lose context.CancelCauseFunc
}

func (l *losableLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	l.lose = cancel
	return held, func() { cancel(nil) }, nil
}

func TestMigrate_StopsWhenLockIsLost(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	locker := &losableLocker{}
	o := newOrchestrator(t, gw, Opts{Locker: locker})

	var aliasCalls int
	gw.OnReindexSnapshot = func() {
		aliasCalls = len(gw.CallsNamed(gateway.CallUpdateAliases))
		locker.lose(fmt.Errorf("%w: taken over by indexctl-1", lock.ErrLockLost))
	}

	_, err := o.Migrate(context.Background(), v1, 2)
	require.ErrorIs(t, err, lock.ErrLockLost)
	require.ErrorContains(t, err, "indexctl-1")
	require.False(t, o.Tombstones().Tracked(tenantA))

	// Nothing after the backfill ran: no cutover and the old index is intact.
	require.Len(t, gw.CallsNamed(gateway.CallUpdateAliases), aliasCalls)
	require.Empty(t, gw.CallsNamed(gateway.CallDeleteIndex))
	require.Equal(t, []string{v1}, aliasTargets(t, gw, naming.ReadAlias(tenantA)))
	require.ElementsMatch(t, []string{v1, v2}, aliasTargets(t, gw, naming.WriteAlias(tenantA)))
	require.True(t, gw.HasIndex(v1))

	// The next holder picks it up from there.
	gw.OnReindexSnapshot = nil
	_, err = o.Migrate(context.Background(), v1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{v2}, aliasTargets(t, gw, naming.ReadAlias(tenantA)))
}

func TestDiscoverStale(t *testing.T) {
	gw := gateway.NewFake()
	a := addTenant(gw, tenantA, 1)
	b := addTenant(gw, tenantB, 1)
	addTenant(gw, tenantC, 2)
	gw.AddIndex(".kibana_1")
	gw.AddIndex("logs-2026.10.19")
	o := newOrchestrator(t, gw, Opts{})

	stale, err := o.DiscoverStale(context.Background(), 2)
	require.NoError(t, err)
	want := []string{a, b}
	if b < a {
		want = []string{b, a}
	}
	require.Equal(t, want, stale)

	again, err := o.DiscoverStale(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, stale, again)
	require.Empty(t, gw.Mutations())
}

func TestMigrateAll_EndToEnd(t *testing.T) {
	gw := gateway.NewFake()
	addTenant(gw, tenantA, 1)
	addTenant(gw, tenantB, 1)
	addTenant(gw, tenantC, 2)
	o := newOrchestrator(t, gw, Opts{Concurrency: 2})

	report, err := o.MigrateAll(context.Background(), 2)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	require.Len(t, report.Stale, 2)
	require.Equal(t, report.Stale, report.Migrated)
	require.Empty(t, report.Failed)

	for _, tenantID := range []string{tenantA, tenantB, tenantC} {
		read, err := resolver.ReadTarget(context.Background(), gw, tenantID)
		require.NoError(t, err)
		require.Equal(t, naming.IndexName(tenantID, 2), read)
		require.Equal(t, []string{read}, aliasTargets(t, gw, naming.WriteAlias(tenantID)))
		require.Contains(t, gw.Documents(read), "post:1")
	}

	stale, err := o.DiscoverStale(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestMigrateAll_FailureIsIsolated(t *testing.T) {
	gw := gateway.NewFake()
	addTenant(gw, tenantA, 1)
	b := addTenant(gw, tenantB, 1)
	// tenantB's write alias carries a foreign index.
	gw.AddIndex(naming.IndexName(tenantB, 9), naming.WriteAlias(tenantB))
	o := newOrchestrator(t, gw, Opts{Concurrency: 1})

	report, err := o.MigrateAll(context.Background(), 2)
	require.ErrorIs(t, err, resolver.ErrAliasInvariant)
	require.Contains(t, report.Migrated, naming.IndexName(tenantA, 1))
	require.Contains(t, report.Failed, b)
	require.Equal(t, naming.IndexName(tenantA, 2), aliasTargets(t, gw, naming.ReadAlias(tenantA))[0])
}

func TestMigrateAll_SameTenantSerialized(t *testing.T) {
	gw := gateway.NewFake()
	v1 := addTenant(gw, tenantA, 1)
	o := newOrchestrator(t, gw, Opts{Concurrency: 4})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.Migrate(context.Background(), v1, 2)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, gw.CallsNamed(gateway.CallReindex), 1)
	require.Equal(t, []string{naming.IndexName(tenantA, 2)}, aliasTargets(t, gw, naming.WriteAlias(tenantA)))
}

func TestRunner(t *testing.T) {
	gw := gateway.NewFake()
	addTenant(gw, tenantA, 1)
	r := NewRunner(newOrchestrator(t, gw, Opts{}), 2)

	require.Equal(t, "migrate", r.Name())
	require.NoError(t, r.Run(context.Background()))
	require.True(t, gw.HasIndex(naming.IndexName(tenantA, 2)))
}
