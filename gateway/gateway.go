// Package gateway is the contract between the tenant index lifecycle and the search cluster, with an
// Elasticsearch implementation and an in-memory fake for tests.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClusterUnavailable wraps transport level failures (connection refused, timeouts, DNS).  Callers retry
	// these; they never mean the request was rejected.
	ErrClusterUnavailable = errors.New("cluster unavailable")
	ErrIndexExists        = errors.New("index already exists")
	ErrIndexNotFound      = errors.New("index not found")
	ErrDocumentNotFound   = errors.New("document not found")
)

type HealthStatus string

const (
	HealthRed    HealthStatus = "red"
	HealthYellow HealthStatus = "yellow"
	HealthGreen  HealthStatus = "green"
)

// Ready reports whether all primary shards are allocated.
func (h HealthStatus) Ready() bool {
	return h == HealthYellow || h == HealthGreen
}

type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

type AliasAction struct {
	Op    AliasOp
	Index string
	Alias string
}

func AddAlias(index, alias string) AliasAction {
	return AliasAction{Op: AliasAdd, Index: index, Alias: alias}
}

func RemoveAlias(index, alias string) AliasAction {
	return AliasAction{Op: AliasRemove, Index: index, Alias: alias}
}

type BulkAction string

const (
	BulkIndex  BulkAction = "index"
	BulkDelete BulkAction = "delete"
)

type BulkOp struct {
	Action BulkAction
	Index  string
	ID     string
	// Source is the document body; ignored for deletes.
	Source json.RawMessage
}

// BulkItem is the outcome of one BulkOp.  Items are returned in request order.
type BulkItem struct {
	Action BulkAction
	Index  string
	ID     string
	Status int
	// Err is set when the engine rejected this item.  A delete of a missing document is not an error.
	Err *Error
}

// IndexSpec is everything needed to create a physical index in one request.
type IndexSpec struct {
	Settings json.RawMessage
	Mappings json.RawMessage
	// Aliases are attached atomically with the creation.
	Aliases []string
}

type ReindexResult struct {
	Total            int64
	Created          int64
	VersionConflicts int64
}

// Gateway is the set of cluster primitives the tenant index lifecycle is built on.  Every method is a blocking
// network call without an engine imposed timeout; callers bound them with ctx.
type Gateway interface {
	CreateIndex(ctx context.Context, name string, spec IndexSpec) error
	// AliasTargets returns the sorted physical indices behind alias.  A missing alias yields no targets.
	AliasTargets(ctx context.Context, alias string) ([]string, error)
	// UpdateAliases applies all actions in one atomic request.
	UpdateAliases(ctx context.Context, actions []AliasAction) error
	Bulk(ctx context.Context, ops []BulkOp) ([]BulkItem, error)
	// Reindex copies every document of src into dst.  Documents already present in dst are kept, since they
	// were written by the live dual-write path and are at least as new as the copy.
	Reindex(ctx context.Context, src, dst string) (ReindexResult, error)
	DeleteIndex(ctx context.Context, name string) error
	// Health reports the cluster status, scoped to index when it is not empty.
	Health(ctx context.Context, index string) (HealthStatus, error)
	ListIndices(ctx context.Context) ([]string, error)
	Get(ctx context.Context, index, id string) (json.RawMessage, error)
	Refresh(ctx context.Context, index string) error
}
