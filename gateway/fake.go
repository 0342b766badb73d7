package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Names of the calls recorded by Fake.
const (
	CallCreateIndex   = "create_index"
	CallAliasTargets  = "alias_targets"
	CallUpdateAliases = "update_aliases"
	CallBulk          = "bulk"
	CallReindex       = "reindex"
	CallDeleteIndex   = "delete_index"
	CallHealth        = "health"
	CallListIndices   = "list_indices"
	CallGet           = "get"
	CallRefresh       = "refresh"
)

var _ Gateway = (*Fake)(nil)

var mutatingCalls = map[string]bool{
	CallCreateIndex:   true,
	CallUpdateAliases: true,
	CallBulk:          true,
	CallReindex:       true,
	CallDeleteIndex:   true,
}

// Call is one recorded Fake invocation.
type Call struct {
	Name    string
	Target  string
	Actions []AliasAction
	Ops     []BulkOp
}

type fakeIndex struct {
	spec IndexSpec
	docs map[string]json.RawMessage
}

// Fake is an in-memory Gateway.  It mirrors the engine behaviours the lifecycle depends on: alias updates are
// validated and applied atomically, reindex keeps documents already present in the destination, and bulk
// items fail independently.
type Fake struct {
	mu      sync.Mutex
	indices map[string]*fakeIndex
	aliases map[string]map[string]struct{}
	health  map[string][]HealthStatus
	fail    map[string]error
	itemErr map[string]*Error
	calls   []Call

	// OnReindexSnapshot runs after Reindex has read the source and before it writes the destination, with
	// no lock held.  Tests use it to race live writes against a backfill.
	OnReindexSnapshot func()
}

func NewFake() *Fake {
	return &Fake{
		indices: make(map[string]*fakeIndex),
		aliases: make(map[string]map[string]struct{}),
		health:  make(map[string][]HealthStatus),
		fail:    make(map[string]error),
		itemErr: make(map[string]*Error),
	}
}

// AddIndex creates index directly, bypassing call recording and failure injection.
func (f *Fake) AddIndex(name string, aliases ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.indices[name] = &fakeIndex{docs: make(map[string]json.RawMessage)}
	for _, a := range aliases {
		f.addAlias(name, a)
	}
}

// PutDocument stores a document directly, bypassing call recording.
func (f *Fake) PutDocument(index, id string, src json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices[index].docs[id] = src
}

// Documents returns a copy of the documents stored in index.
func (f *Fake) Documents(index string) map[string]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, ok := f.indices[index]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage, len(idx.docs))
	for k, v := range idx.docs {
		out[k] = v
	}
	return out
}

// Spec returns the spec an index was created with.
func (f *Fake) Spec(index string) (IndexSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indices[index]
	if !ok {
		return IndexSpec{}, false
	}
	return idx.spec, true
}

func (f *Fake) HasIndex(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indices[name]
	return ok
}

// SetHealth queues the statuses reported for index; the last one repeats.
func (f *Fake) SetHealth(index string, statuses ...HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[index] = statuses
}

// FailOn makes every call named name return err until cleared with a nil err.
func (f *Fake) FailOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

// FailItem makes bulk operations on index/id fail with err.
func (f *Fake) FailItem(index, id string, err *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemErr[index+"/"+id] = err
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Mutations returns the recorded calls that change cluster state.
func (f *Fake) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		if mutatingCalls[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// CallsNamed returns the recorded calls with the given name.
func (f *Fake) CallsNamed(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// record must be called with mu held.
func (f *Fake) record(c Call) error {
	f.calls = append(f.calls, c)
	return f.fail[c.Name]
}

func (f *Fake) CreateIndex(ctx context.Context, name string, spec IndexSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallCreateIndex, Target: name}); err != nil {
		return err
	}

	if _, ok := f.indices[name]; ok {
		return &Error{Status: http.StatusBadRequest, Type: "resource_already_exists_exception", Reason: fmt.Sprintf("index [%s] already exists", name)}
	}
	if _, ok := f.aliases[name]; ok {
		return &Error{Status: http.StatusBadRequest, Type: "invalid_index_name_exception", Reason: fmt.Sprintf("an alias with the name [%s] already exists", name)}
	}

	f.indices[name] = &fakeIndex{spec: spec, docs: make(map[string]json.RawMessage)}
	for _, a := range spec.Aliases {
		f.addAlias(name, a)
	}
	return nil
}

func (f *Fake) AliasTargets(ctx context.Context, alias string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallAliasTargets, Target: alias}); err != nil {
		return nil, err
	}

	var out []string
	for idx := range f.aliases[alias] {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]AliasAction, len(actions))
	copy(cp, actions)
	if err := f.record(Call{Name: CallUpdateAliases, Actions: cp}); err != nil {
		return err
	}

	// Validate everything first so a rejected request changes nothing.
	for _, a := range actions {
		if _, ok := f.indices[a.Index]; !ok {
			return indexNotFound(a.Index)
		}
		switch a.Op {
		case AliasAdd:
		case AliasRemove:
			if _, ok := f.aliases[a.Alias][a.Index]; !ok {
				return &Error{Status: http.StatusNotFound, Type: "aliases_not_found_exception", Reason: fmt.Sprintf("aliases [%s] missing", a.Alias)}
			}
		default:
			return &Error{Status: http.StatusBadRequest, Type: "illegal_argument_exception", Reason: fmt.Sprintf("unknown alias action %q", a.Op)}
		}
	}

	for _, a := range actions {
		if a.Op == AliasAdd {
			f.addAlias(a.Index, a.Alias)
		} else {
			f.removeAlias(a.Index, a.Alias)
		}
	}
	return nil
}

func (f *Fake) Bulk(ctx context.Context, ops []BulkOp) ([]BulkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]BulkOp, len(ops))
	copy(cp, ops)
	if err := f.record(Call{Name: CallBulk, Ops: cp}); err != nil {
		return nil, err
	}

	items := make([]BulkItem, len(ops))
	for i, op := range ops {
		item := BulkItem{Action: op.Action, Index: op.Index, ID: op.ID}
		idx, ok := f.indices[op.Index]
		switch {
		case f.itemErr[op.Index+"/"+op.ID] != nil:
			item.Err = f.itemErr[op.Index+"/"+op.ID]
			item.Status = item.Err.Status
		case !ok:
			item.Err = indexNotFound(op.Index)
			item.Status = http.StatusNotFound
		case op.Action == BulkIndex:
			if !json.Valid(op.Source) {
				item.Err = &Error{Status: http.StatusBadRequest, Type: "mapper_parsing_exception", Reason: "failed to parse"}
				item.Status = http.StatusBadRequest
				break
			}
			if _, exists := idx.docs[op.ID]; exists {
				item.Status = http.StatusOK
			} else {
				item.Status = http.StatusCreated
			}
			idx.docs[op.ID] = append(json.RawMessage(nil), op.Source...)
		case op.Action == BulkDelete:
			if _, exists := idx.docs[op.ID]; exists {
				item.Status = http.StatusOK
			} else {
				item.Status = http.StatusNotFound
			}
			delete(idx.docs, op.ID)
		default:
			item.Err = &Error{Status: http.StatusBadRequest, Type: "illegal_argument_exception", Reason: fmt.Sprintf("unknown action %q", op.Action)}
			item.Status = http.StatusBadRequest
		}
		items[i] = item
	}
	return items, nil
}

func (f *Fake) Reindex(ctx context.Context, src, dst string) (ReindexResult, error) {
	f.mu.Lock()
	if err := f.record(Call{Name: CallReindex, Target: src + "->" + dst}); err != nil {
		f.mu.Unlock()
		return ReindexResult{}, err
	}
	s, ok := f.indices[src]
	if !ok {
		f.mu.Unlock()
		return ReindexResult{}, indexNotFound(src)
	}
	if _, ok := f.indices[dst]; !ok {
		f.mu.Unlock()
		return ReindexResult{}, indexNotFound(dst)
	}
	snapshot := make(map[string]json.RawMessage, len(s.docs))
	for k, v := range s.docs {
		snapshot[k] = v
	}
	hook := f.OnReindexSnapshot
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return ReindexResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.indices[dst]
	if !ok {
		return ReindexResult{}, indexNotFound(dst)
	}

	res := ReindexResult{Total: int64(len(snapshot))}
	for id, doc := range snapshot {
		if _, exists := d.docs[id]; exists {
			res.VersionConflicts++
			continue
		}
		d.docs[id] = doc
		res.Created++
	}
	return res, nil
}

func (f *Fake) DeleteIndex(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallDeleteIndex, Target: name}); err != nil {
		return err
	}

	if _, ok := f.indices[name]; !ok {
		return indexNotFound(name)
	}
	delete(f.indices, name)
	for alias := range f.aliases {
		f.removeAlias(name, alias)
	}
	return nil
}

func (f *Fake) Health(ctx context.Context, index string) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallHealth, Target: index}); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if index != "" {
		if _, ok := f.indices[index]; !ok {
			return HealthRed, nil
		}
	}

	seq := f.health[index]
	switch len(seq) {
	case 0:
		return HealthGreen, nil
	case 1:
		return seq[0], nil
	}
	f.health[index] = seq[1:]
	return seq[0], nil
}

func (f *Fake) ListIndices(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallListIndices}); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(f.indices))
	for name := range f.indices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallGet, Target: index + "/" + id}); err != nil {
		return nil, err
	}

	idx, ok := f.indices[index]
	if !ok {
		return nil, indexNotFound(index)
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, index, id)
	}
	return doc, nil
}

func (f *Fake) Refresh(ctx context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Name: CallRefresh, Target: index}); err != nil {
		return err
	}
	if _, ok := f.indices[index]; !ok {
		if _, isAlias := f.aliases[index]; !isAlias {
			return indexNotFound(index)
		}
	}
	return nil
}

func (f *Fake) addAlias(index, alias string) {
	set, ok := f.aliases[alias]
	if !ok {
		set = make(map[string]struct{})
		f.aliases[alias] = set
	}
	set[index] = struct{}{}
}

func (f *Fake) removeAlias(index, alias string) {
	set, ok := f.aliases[alias]
	if !ok {
		return
	}
	delete(set, index)
	if len(set) == 0 {
		delete(f.aliases, alias)
	}
}

func indexNotFound(name string) *Error {
	return &Error{Status: http.StatusNotFound, Type: "index_not_found_exception", Reason: fmt.Sprintf("no such index [%s]", name)}
}
