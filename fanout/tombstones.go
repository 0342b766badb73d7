package fanout

import (
	"sort"
	"sync"
)

// Tombstones remembers document deletes issued while a tenant is mid-migration.  A backfill started before a
// delete reached the new index can copy the deleted document back in; the orchestrator drains the log after
// the backfill and replays the deletes onto the new index.
//
// Only deletes of tracked tenants made through Writers in this process are recorded, so a process that only
// writes keeps nothing.
type Tombstones struct {
	mu      sync.Mutex
	tracked map[string]struct{}
	ids     map[string]map[string]struct{}
}

func NewTombstones() *Tombstones {
	return &Tombstones{
		tracked: make(map[string]struct{}),
		ids:     make(map[string]map[string]struct{}),
	}
}

// Track starts recording every delete for tenantID, whatever its write targets are at the time.
func (t *Tombstones) Track(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[tenantID] = struct{}{}
}

func (t *Tombstones) Tracked(tenantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[tenantID]
	return ok
}

// Record adds document ids deleted for tenantID.
func (t *Tombstones) Record(tenantID string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.ids[tenantID]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		t.ids[tenantID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Clear removes ids from tenantID's record.
func (t *Tombstones) Clear(tenantID string, ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.ids[tenantID]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(t.ids, tenantID)
	}
}

// Drain returns and clears the recorded ids for tenantID, sorted.  Tracking continues.
func (t *Tombstones) Drain(tenantID string) []string {
	t.mu.Lock()
	set := t.ids[tenantID]
	delete(t.ids, tenantID)
	t.mu.Unlock()

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget stops tracking tenantID and drops anything recorded for it.
func (t *Tombstones) Forget(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, tenantID)
	delete(t.ids, tenantID)
}

// Len returns the number of ids recorded for tenantID.
func (t *Tombstones) Len(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids[tenantID])
}
