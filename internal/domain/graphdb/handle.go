// Package graphdb defines the Database Provisioner's (C7) domain contract:
// the Database Handle data model and the Provisioner interface the Tool
// Execution Context (C8) binds acquireDb to. The embedded graph engine
// itself is an external collaborator per spec.md §1; this package defines
// only the shape the rest of the system depends on.
package graphdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Key identifies a Database Handle: one Handle per (clientProjectRoot,
// repository, branch) triple. The on-disk path is derived from
// clientProjectRoot and branch only (DerivePath), so keys that differ only
// in repository open the same file.
type Key struct {
	ClientProjectRoot string
	Repository        string
	Branch             string
}

// ErrUnavailable is returned when the Provisioner fails to open the
// embedded database for a key; the dispatcher maps this to -32603 (§4.7).
var ErrUnavailable = errors.New("graphdb: database unavailable")

// Row is a single result row from ExecuteQuery: column name to decoded
// value, matching the shape the engine's Cypher-like execution returns.
type Row map[string]any

// Querier is the narrow surface the embedded graph engine exposes to tool
// handlers through a Handle — intentionally minimal since the engine
// itself is an external black box per spec.md §1.
type Querier interface {
	ExecuteQuery(ctx context.Context, text string, params map[string]any) ([]Row, error)
}

// Handle is a reference-counted, process-wide-cached connection to one
// database file (spec.md §3 Database Handle). Handles are created on first
// request touching their key and released only on shutdown.
type Handle struct {
	Key  Key
	Path string

	querier Querier
	closer  func() error

	mu       sync.Mutex
	refcount int32
	closed   bool
}

// NewHandle wraps a Querier (and an optional close callback) as a Handle
// for the given key/path. Provisioner implementations construct these;
// tool-handler code only ever sees the Querier surface via ExecuteQuery.
func NewHandle(key Key, path string, q Querier, closer func() error) *Handle {
	return &Handle{Key: key, Path: path, querier: q, closer: closer}
}

// ExecuteQuery runs a query against the underlying engine. Safe to call
// concurrently; the engine guarantees serialized writes per database file
// (spec.md §5 shared-resource policy).
func (h *Handle) ExecuteQuery(ctx context.Context, text string, params map[string]any) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "db.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphdb.repository", h.Key.Repository),
			attribute.String("graphdb.branch", h.Key.Branch),
		),
	)
	defer span.End()

	rows, err := h.querier.ExecuteQuery(ctx, text, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	} else {
		span.SetAttributes(attribute.Int("graphdb.row_count", len(rows)))
	}
	return rows, err
}

// acquireRef increments the reference count. Called by the Provisioner
// when handing an existing cached Handle to a new caller.
func (h *Handle) acquireRef() {
	atomic.AddInt32(&h.refcount, 1)
}

// Refcount returns the current reference count, exposed for tests that
// assert the "at most once concurrently per key" invariant (spec.md §3.3).
func (h *Handle) Refcount() int32 {
	return atomic.LoadInt32(&h.refcount)
}

// Close closes the underlying connection on its first call; later calls
// are no-ops. It neither reads nor changes the reference count. Handles
// live until the Provisioner's Shutdown, which calls Close on each.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.closer != nil {
		return h.closer()
	}
	return nil
}
