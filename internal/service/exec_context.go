package service

import (
	"context"
	"log/slog"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
)

// SessionView is the immutable view of a session exposed to handlers
// (spec.md §4.8: "session (immutable view: id, clientDescriptor)").
type SessionView struct {
	ID     string
	Client session.ClientDescriptor
}

// ExecContext is the Tool Execution Context (C8): the single value passed
// to every handler invocation, bundling logger, session, progress sink,
// cancellation, and database acquisition. Handlers must not retain it past
// their own invocation (spec.md §4.8).
type ExecContext struct {
	// Context carries cancellation: ctx.Done() fires on client disconnect,
	// per-request timeout, session termination, or server shutdown
	// (spec.md §5). Handlers should select on it between long steps.
	Context context.Context

	Logger    *slog.Logger
	Session   SessionView
	RequestID string

	// ClientProjectRoot, Repository, and Branch are lifted from the
	// request arguments onto the context at dispatch time (spec.md §9
	// "Mixed clientProjectRoot in args vs. contextual threading collapse
	// into the Execution Context"). Tool argument schemas may still
	// declare these fields for validation, but handlers read the
	// canonical value from here rather than re-parsing arguments.
	ClientProjectRoot string
	Repository        string
	Branch            string

	sink *ProgressSink
	db   graphdb.Provisioner
}

// SendProgress emits one progress notification bound to this request's
// sink (spec.md §4.5 progress()).
func (c *ExecContext) SendProgress(n ProgressNotification) {
	c.sink.Progress(n)
}

// Cancelled reports whether the execution context's cancellation token has
// fired.
func (c *ExecContext) Cancelled() bool {
	return c.Context.Err() != nil
}

// AcquireDB resolves this context's (ClientProjectRoot, Repository, Branch)
// to a Database Handle via the Provisioner (C7), bound into the context at
// dispatch time (spec.md §4.8 acquireDb).
func (c *ExecContext) AcquireDB() (*graphdb.Handle, error) {
	return c.db.Acquire(c.Context, c.ClientProjectRoot, c.Repository, c.Branch)
}

// FromHandlerCtx recovers the typed *ExecContext from the `any` the
// tool.Handler signature receives, avoiding an import cycle between
// internal/domain/tool and internal/service (domain/tool cannot import
// service, which itself depends on domain/tool's Registry).
func FromHandlerCtx(ctx any) (*ExecContext, bool) {
	ec, ok := ctx.(*ExecContext)
	return ec, ok
}
