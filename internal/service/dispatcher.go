package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/schema"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/tool"
	"github.com/evolv3ai/kuzumem-mcp/internal/jsonrpcerr"
)

var tracer = otel.Tracer("github.com/evolv3ai/kuzumem-mcp/internal/service")

// Call is a transport-neutral view of an inbound JSON-RPC request: just
// enough for the Dispatcher to route and validate, deliberately decoupled
// from the wire-level jsonrpc.Request/ID types owned by pkg/mcp and the
// transports (internal/service never imports the jsonrpc SDK directly).
type Call struct {
	Method string
	// RequestID is the raw JSON text of the request id (e.g. "7" or
	// "\"abc\""), used only for session in-flight bookkeeping and logging.
	// Transports reconstruct the real jsonrpc.ID for the wire response
	// from their own copy of the original request.
	RequestID string
	Params    json.RawMessage
}

// ContentItem is a single entry of a CallToolResult's content array
// (spec.md §4.6 step 4).
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the MCP envelope a tools/call response's "result" field
// carries.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher is the Tool Dispatcher (C6): resolves and validates
// tools/call requests against the tool registry, and handles the
// initialize/tools/list protocol methods directly.
type Dispatcher struct {
	registry *tool.Registry
	sessions *session.SessionService
	db       graphdb.Provisioner
	logger   *slog.Logger
	celEnv   *cel.Env
	info     ServerInfo
	protocolVersion string
}

// NewDispatcher constructs a Dispatcher. protocolVersion is returned in the
// initialize response when the client's params carry no protocolVersion;
// otherwise the client's requested version is echoed back.
func NewDispatcher(registry *tool.Registry, sessions *session.SessionService, db graphdb.Provisioner, logger *slog.Logger, info ServerInfo, protocolVersion string) (*Dispatcher, error) {
	env, err := cel.NewEnv(cel.Variable("args", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("service: building CEL environment: %w", err)
	}
	return &Dispatcher{
		registry:        registry,
		sessions:        sessions,
		db:              db,
		logger:          logger,
		celEnv:          env,
		info:            info,
		protocolVersion: protocolVersion,
	}, nil
}

// Dispatch routes a Call to the matching handler and returns its result
// (for json.Marshal'ing into the response's "result" field) or a
// *jsonrpcerr.Error (for the response's "error" field). sess may be nil for
// the initialize call (no session exists yet); it is required for
// tools/list and tools/call.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, call Call, emit ProgressEmitter) (any, *jsonrpcerr.Error) {
	switch call.Method {
	case "initialize":
		return d.handleInitialize(ctx, call)
	case "tools/list":
		return d.handleToolsList(), nil
	case "tools/call":
		return d.handleToolsCall(ctx, sess, call, emit)
	default:
		return nil, jsonrpcerr.MethodNotFound(call.Method)
	}
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    map[string]any  `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    map[string]bool `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	SessionID       string          `json:"sessionId,omitempty"`
}

func (d *Dispatcher) handleInitialize(ctx context.Context, call Call) (any, *jsonrpcerr.Error) {
	var params initializeParams
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, jsonrpcerr.InvalidParams("malformed initialize params: "+err.Error(), nil)
		}
	}

	capabilities := make(map[string]bool, len(params.Capabilities))
	for k := range params.Capabilities {
		capabilities[k] = true
	}

	client := session.ClientDescriptor{
		Name:            params.ClientInfo.Name,
		Version:         params.ClientInfo.Version,
		ProtocolVersion: params.ProtocolVersion,
	}

	sess, err := d.sessions.Create(ctx, client, capabilities)
	if err != nil {
		return nil, jsonrpcerr.Internal("creating session: " + err.Error())
	}

	protocolVersion := params.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = d.protocolVersion
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities,
		ServerInfo:      d.info,
		SessionID:       sess.ID,
	}, nil
}

func (d *Dispatcher) handleToolsList() any {
	return struct {
		Tools []tool.Descriptor `json:"tools"`
	}{Tools: d.registry.List()}
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *session.Session, call Call, emit ProgressEmitter) (any, *jsonrpcerr.Error) {
	var params toolsCallParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, jsonrpcerr.InvalidParams("malformed tools/call params: "+err.Error(), nil)
	}

	ctx, span := tracer.Start(ctx, "dispatch.tool",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.tool_name", params.Name),
			attribute.String("mcp.request_id", call.RequestID),
		),
	)
	defer span.End()

	result, errOut := d.dispatchToolCall(ctx, sess, call, params, emit)
	if errOut != nil {
		span.RecordError(errOut)
		span.SetStatus(codes.Error, errOut.Message)
	}
	return result, errOut
}

func (d *Dispatcher) dispatchToolCall(ctx context.Context, sess *session.Session, call Call, params toolsCallParams, emit ProgressEmitter) (any, *jsonrpcerr.Error) {
	descriptor, ok := d.registry.Lookup(params.Name)
	if !ok {
		return nil, jsonrpcerr.MethodNotFound(params.Name)
	}

	if violations := d.validateArguments(descriptor, params.Arguments); len(violations) > 0 {
		return nil, jsonrpcerr.InvalidParams("argument validation failed", violations)
	}

	// reqCtx is the handler's own cancellation token: it fires on the
	// caller's deadline/disconnect (ctx, inherited) and also on session
	// termination, via the cancel func registered below (spec.md §4.3
	// guard 3, §4.4, §5).
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	sink := NewProgressSink(emit)
	var view SessionView
	if sess != nil {
		view = SessionView{ID: sess.ID, Client: sess.Client}
		sess.BeginRequest(call.RequestID)
		defer sess.EndRequest(call.RequestID)
		d.sessions.RegisterCancel(sess.ID, call.RequestID, cancelReq)
		defer d.sessions.UnregisterCancel(sess.ID, call.RequestID)
	}

	clientProjectRoot, repository, branch := extractDBKeyArgs(params.Arguments)

	ec := &ExecContext{
		Context:           reqCtx,
		Logger:            d.logger,
		Session:           view,
		RequestID:         call.RequestID,
		ClientProjectRoot: clientProjectRoot,
		Repository:        repository,
		Branch:            branch,
		sink:              sink,
		db:                d.db,
	}

	go d.runHandler(ec, descriptor, params.Arguments)

	// Race the handler's outcome against reqCtx expiring: a handler that
	// never finishes (deadline blown, or its session got terminated) must
	// not delay the terminal reply past the deadline. reqCtx being
	// cancelled here lets ec.Context.Done() tell the still-running handler
	// goroutine to wind down on its own; runHandler drains it regardless
	// and drops its eventual Complete/Fail as a no-op (sink is already
	// closed by then).
	select {
	case outcome, ok := <-sink.OutcomeChan():
		if !ok {
			return nil, jsonrpcerr.Internal("tool handler produced no outcome")
		}
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Result, nil
	case <-reqCtx.Done():
		return nil, jsonrpcerr.RequestTimeout()
	}
}

// extractDBKeyArgs pulls the well-known clientProjectRoot/repository/branch
// fields off the raw tool arguments, if present, so they can be lifted onto
// the Execution Context (spec.md §9). Tools that don't operate on a
// database (none, today) simply see empty strings here.
func extractDBKeyArgs(arguments json.RawMessage) (clientProjectRoot, repository, branch string) {
	if len(arguments) == 0 {
		return "", "", ""
	}
	var fields struct {
		ClientProjectRoot string `json:"clientProjectRoot"`
		Repository        string `json:"repository"`
		Branch            string `json:"branch"`
	}
	if err := json.Unmarshal(arguments, &fields); err != nil {
		return "", "", ""
	}
	return fields.ClientProjectRoot, fields.Repository, fields.Branch
}

// validateArguments runs the descriptor's JSON-Schema-subset check followed
// by its CEL constraint expressions (D4), returning every violation found.
func (d *Dispatcher) validateArguments(descriptor tool.Descriptor, arguments json.RawMessage) []string {
	s, err := schema.Parse(descriptor.InputSchema)
	if err != nil {
		return []string{err.Error()}
	}

	var instance any
	if len(arguments) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(arguments, &instance); err != nil {
		return []string{"arguments: invalid JSON: " + err.Error()}
	}

	violations := schema.Validate(s, instance)

	for _, expr := range descriptor.Constraints {
		ok, err := d.evalConstraint(expr, instance)
		if err != nil {
			violations = append(violations, fmt.Sprintf("constraint %q: %v", expr, err))
			continue
		}
		if !ok {
			violations = append(violations, fmt.Sprintf("constraint failed: %s", expr))
		}
	}

	return violations
}

func (d *Dispatcher) evalConstraint(expr string, args any) (bool, error) {
	ast, iss := d.celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return false, iss.Err()
	}
	prg, err := d.celEnv.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"args": args})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("constraint expression did not evaluate to a boolean")
	}
	return result, nil
}

// runHandler invokes descriptor.Handler and converts its return into
// exactly one terminal outcome on ec's sink, recovering from panics so a
// handler failure never crashes the server (spec.md §4.9 crash safety).
func (d *Dispatcher) runHandler(ec *ExecContext, descriptor tool.Descriptor, arguments json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			ec.sink.Fail(jsonrpcerr.Internal(fmt.Sprintf("panic in tool %q: %v", descriptor.Name, r)))
		}
	}()

	result, err := descriptor.Handler(ec, arguments)
	if err != nil {
		ec.sink.Fail(mapHandlerError(err))
		return
	}

	text, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		ec.sink.Fail(jsonrpcerr.Internal("serializing tool result: " + marshalErr.Error()))
		return
	}

	ec.sink.Complete(CallToolResult{
		Content: []ContentItem{{Type: "text", Text: string(text)}},
		IsError: false,
	})
}

// mapHandlerError converts a handler error into a JSON-RPC error outcome.
// A *jsonrpcerr.Error passes through unchanged (handlers that want a
// specific code construct one directly); anything else becomes -32603 per
// spec.md §7's "Internal error" row.
func mapHandlerError(err error) *jsonrpcerr.Error {
	if jerr, ok := err.(*jsonrpcerr.Error); ok {
		return jerr
	}
	return jsonrpcerr.Internal(err.Error())
}
