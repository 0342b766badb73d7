package migrate

import (
	"context"
	"fmt"
	"slices"

	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/resolver"
)

// State is how far a tenant's move from one index to another has progressed.  It is never stored: State
// derives it from the cluster's indices and aliases, which is what makes Migrate safe to re-run.
type State int

const (
	// Discovered: the old index serves the tenant and the new index is not in its write alias yet.
	Discovered State = iota
	// Provisioned: the new index exists and receives writes; reads still go to the old index.
	Provisioned
	// Backfilled: the old documents were copied.  Alias state cannot tell this apart from Provisioned, so
	// State never reports it; Migrate passes through it.
	Backfilled
	// CutOver: reads and writes go to the new index only; the old index still exists.
	CutOver
	// CleanedUp: the old index is gone.
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Provisioned:
		return "provisioned"
	case Backfilled:
		return "backfilled"
	case CutOver:
		return "cutover"
	case CleanedUp:
		return "cleaned_up"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// State reports the migration state of oldIndex towards target.
func (o *Orchestrator) State(ctx context.Context, oldIndex string, target int) (State, error) {
	old, err := naming.ParseIndexName(oldIndex)
	if err != nil {
		return Discovered, err
	}
	next := naming.TenantIndex{TenantID: old.TenantID, Version: target}

	indices, err := o.gw.ListIndices(ctx)
	if err != nil {
		return Discovered, fmt.Errorf("list indices: %w", err)
	}
	read, err := o.gw.AliasTargets(ctx, old.ReadAlias())
	if err != nil {
		return Discovered, fmt.Errorf("resolve %s: %w", old.ReadAlias(), err)
	}
	write, err := o.gw.AliasTargets(ctx, old.WriteAlias())
	if err != nil {
		return Discovered, fmt.Errorf("resolve %s: %w", old.WriteAlias(), err)
	}

	return deriveState(old.Name(), next.Name(), slices.Contains(indices, old.Name()), slices.Contains(indices, next.Name()), read, write)
}

func deriveState(old, next string, oldExists, nextExists bool, read, write []string) (State, error) {
	readsNext := len(read) == 1 && read[0] == next
	writesOld := slices.Contains(write, old)
	writesNext := slices.Contains(write, next)

	switch {
	case readsNext && !oldExists:
		return CleanedUp, nil
	case readsNext && !writesOld:
		return CutOver, nil
	case readsNext:
		return Discovered, &resolver.InvariantError{Alias: naming.WriteAlias(tenantOf(next)), Targets: write, Want: "only " + next + " after cutover"}
	case nextExists && writesNext:
		return Provisioned, nil
	}
	return Discovered, nil
}

func tenantOf(index string) string {
	ti, err := naming.ParseIndexName(index)
	if err != nil {
		return index
	}
	return ti.TenantID
}
