// Package fanout writes tenant documents to every physical index behind the tenant's write alias: one index
// in steady state, both the old and the new one while a migration is in flight.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/fastjson"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/orgsearch/tenant-index/resolver"
	"github.com/orgsearch/tenant-index/schema"
)

var ErrInvalidDocument = errors.New("invalid document")

type Document struct {
	ID   string
	Type string
	// Source is the document body as a JSON object.  The type field is added on write.
	Source json.RawMessage
}

type DocRef struct {
	Type string
	ID   string
}

// Failure is one (index, document) pair the engine rejected.
type Failure struct {
	Index   string
	DocType string
	DocID   string
	Status  int
	Reason  string
}

func (f Failure) String() string {
	return fmt.Sprintf("%s/%s:%s: status %d: %s", f.Index, f.DocType, f.DocID, f.Status, f.Reason)
}

type Result struct {
	// Targets are the indices the write alias resolved to.
	Targets []string
	// Succeeded counts accepted (index, document) pairs.
	Succeeded int
	Failed    []Failure
}

func (r Result) OK() bool { return len(r.Failed) == 0 }

// DocumentID is the engine id of a document: type and id together, so ids only need to be unique per type.
func DocumentID(docType, id string) string {
	return docType + ":" + id
}

// SplitDocumentID reverses DocumentID.
func SplitDocumentID(docID string) (docType, id string, ok bool) {
	return strings.Cut(docID, ":")
}

type Opts struct {
	// Mapping, when set, restricts writes to its document types.
	Mapping *schema.Mapping

	// Tombstones, when set, records deletes for tenants it tracks, which the orchestrator does while it
	// migrates them.
	Tombstones *Tombstones
}

type Writer struct {
	gw         gateway.Gateway
	mapping    *schema.Mapping
	tombstones *Tombstones

	parsers fastjson.ParserPool
	arenas  fastjson.ArenaPool
}

func NewWriter(gw gateway.Gateway, opts Opts) *Writer {
	return &Writer{gw: gw, mapping: opts.Mapping, tombstones: opts.Tombstones}
}

func (w *Writer) IndexDocument(ctx context.Context, tenantID string, doc Document) (Result, error) {
	return w.BulkIndex(ctx, tenantID, []Document{doc})
}

// BulkIndex writes docs to every current write target in a single bulk request.  Rejected items are returned
// in Result.Failed; the error is only set when nothing could be attempted.
func (w *Writer) BulkIndex(ctx context.Context, tenantID string, docs []Document) (Result, error) {
	if len(docs) == 0 {
		return Result{}, nil
	}
	tenantID, err := naming.NormalizeTenantID(tenantID)
	if err != nil {
		return Result{}, err
	}

	type prepared struct {
		id     string
		source json.RawMessage
	}
	ready := make([]prepared, len(docs))
	for i, doc := range docs {
		if err := w.validate(doc.Type, doc.ID); err != nil {
			return Result{}, err
		}
		src, err := w.withType(doc)
		if err != nil {
			return Result{}, err
		}
		ready[i] = prepared{id: DocumentID(doc.Type, doc.ID), source: src}
	}

	res, err := w.write(ctx, tenantID, gateway.BulkIndex, func(targets []string) []gateway.BulkOp {
		ops := make([]gateway.BulkOp, 0, len(targets)*len(ready))
		for _, target := range targets {
			for _, p := range ready {
				ops = append(ops, gateway.BulkOp{Action: gateway.BulkIndex, Index: target, ID: p.id, Source: p.source})
			}
		}
		return ops
	})
	if err != nil || w.tombstones == nil {
		return res, err
	}

	// A document written again after its delete must not be deleted by the replay.  Its tombstone goes only
	// once every target accepted the write.
	rejected := make(map[string]struct{}, len(res.Failed))
	for _, f := range res.Failed {
		rejected[DocumentID(f.DocType, f.DocID)] = struct{}{}
	}
	written := make([]string, 0, len(ready))
	for _, p := range ready {
		if _, ok := rejected[p.id]; !ok {
			written = append(written, p.id)
		}
	}
	w.tombstones.Clear(tenantID, written...)
	return res, nil
}

func (w *Writer) DeleteDocument(ctx context.Context, tenantID, docType, id string) (Result, error) {
	return w.BulkDelete(ctx, tenantID, []DocRef{{Type: docType, ID: id}})
}

// BulkDelete removes refs from every current write target.  Deleting a document that does not exist is not a
// failure.
func (w *Writer) BulkDelete(ctx context.Context, tenantID string, refs []DocRef) (Result, error) {
	if len(refs) == 0 {
		return Result{}, nil
	}
	tenantID, err := naming.NormalizeTenantID(tenantID)
	if err != nil {
		return Result{}, err
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		if err := w.validate(ref.Type, ref.ID); err != nil {
			return Result{}, err
		}
		ids[i] = DocumentID(ref.Type, ref.ID)
	}

	return w.write(ctx, tenantID, gateway.BulkDelete, func(targets []string) []gateway.BulkOp {
		if w.tombstones != nil && w.tombstones.Tracked(tenantID) {
			w.tombstones.Record(tenantID, ids...)
		}

		ops := make([]gateway.BulkOp, 0, len(targets)*len(ids))
		for _, target := range targets {
			for _, id := range ids {
				ops = append(ops, gateway.BulkOp{Action: gateway.BulkDelete, Index: target, ID: id})
			}
		}
		return ops
	})
}

func (w *Writer) write(ctx context.Context, tenantID string, action gateway.BulkAction, build func(targets []string) []gateway.BulkOp) (Result, error) {
	targets, err := resolver.WriteTargets(ctx, w.gw, tenantID)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ResolveTargetsError).Inc()
		return Result{}, err
	}
	metrics.FanoutTargets.Observe(float64(len(targets)))

	ops := build(targets)
	items, err := w.gw.Bulk(ctx, ops)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.BulkError).Inc()
		return Result{Targets: targets}, fmt.Errorf("bulk %s for tenant %s: %w", action, tenantID, err)
	}

	res := Result{Targets: targets}
	for _, item := range items {
		if item.Err == nil {
			res.Succeeded++
			continue
		}
		docType, id, _ := SplitDocumentID(item.ID)
		res.Failed = append(res.Failed, Failure{
			Index:   item.Index,
			DocType: docType,
			DocID:   id,
			Status:  item.Status,
			Reason:  item.Err.Error(),
		})
	}

	metrics.FanoutDocuments.WithLabelValues(string(action), "succeeded").Add(float64(res.Succeeded))
	if len(res.Failed) > 0 {
		metrics.FanoutDocuments.WithLabelValues(string(action), "failed").Add(float64(len(res.Failed)))
		logger.Warn("Bulk write partially failed",
			"tenant", tenantID, "action", action, "failed", len(res.Failed), "succeeded", res.Succeeded, "first", res.Failed[0].String())
	}
	return res, nil
}

func (w *Writer) validate(docType, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	if docType == "" || strings.Contains(docType, ":") {
		return fmt.Errorf("%w: bad type %q for %s", ErrInvalidDocument, docType, id)
	}
	if w.mapping != nil && !w.mapping.HasType(docType) {
		return fmt.Errorf("%w: unmapped type %q for %s", ErrInvalidDocument, docType, id)
	}
	return nil
}

// withType returns the document source with the type field set.
func (w *Writer) withType(doc Document) (json.RawMessage, error) {
	p := w.parsers.Get()
	defer w.parsers.Put(p)

	src := doc.Source
	if len(src) == 0 {
		src = json.RawMessage(`{}`)
	}
	v, err := p.ParseBytes(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%s: %v", ErrInvalidDocument, doc.Type, doc.ID, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%s: source is not an object", ErrInvalidDocument, doc.Type, doc.ID)
	}

	a := w.arenas.Get()
	defer w.arenas.Put(a)

	obj.Set(schema.TypeField, a.NewString(doc.Type))
	return v.MarshalTo(nil), nil
}
