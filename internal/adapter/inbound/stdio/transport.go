// Package stdio provides the line-delimited JSON-RPC stdio transport (C2's
// stdio variant) for the kuzumem-mcp server.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/jsonrpcerr"
	"github.com/evolv3ai/kuzumem-mcp/internal/service"
)

// ReadyMarker is printed to stdout, on its own line, exactly once, when Serve
// starts, just before the goroutine that reads input is launched — test
// harnesses synchronize on its appearance to know the server is ready to
// receive requests.
const ReadyMarker = "MCP_STDIO_SERVER_READY_FOR_TESTING"

// Transport is the inbound adapter that serves MCP over newline-delimited
// JSON-RPC on stdin/stdout. Unlike the HTTP transport it has no concept of
// multiple sessions per connection: stdio is one client, one implicit
// session, matching spec.md §4.1's "single implicit session" note.
type Transport struct {
	dispatcher *service.Dispatcher
	sessions   *session.SessionService
	logger     *slog.Logger

	in  io.Reader
	out io.Writer

	mu      sync.Mutex // guards writes to out, one frame at a time
	session *session.Session
	sessMu  sync.Mutex

	done chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithReaderWriter overrides the default os.Stdin/os.Stdout pair — used by
// tests to drive the transport over in-memory pipes.
func WithReaderWriter(in io.Reader, out io.Writer) Option {
	return func(t *Transport) {
		t.in = in
		t.out = out
	}
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport constructs a stdio Transport. Callers typically leave in/out
// at their zero value in production and rely on Serve defaulting to
// os.Stdin/os.Stdout; WithReaderWriter overrides this for tests.
func NewTransport(dispatcher *service.Dispatcher, sessions *session.SessionService, opts ...Option) *Transport {
	t := &Transport{
		dispatcher: dispatcher,
		sessions:   sessions,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// rpcEnvelope mirrors the HTTP transport's wire shape: one JSON-RPC
// Request/Notification per line.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  any               `json:"result,omitempty"`
	Error   *jsonrpcerr.Error `json:"error,omitempty"`
}

type progressEnvelope struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  service.ProgressFrame `json:"params"`
}

// Serve reads newline-delimited JSON-RPC requests until EOF or ctx
// cancellation, dispatching each on its own goroutine so that a
// long-running tools/call doesn't block later requests from being read and
// started — responses interleave by request id as each call's terminal
// outcome becomes available (service.Transport interface).
func (t *Transport) Serve(ctx context.Context) error {
	if t.in == nil {
		t.in = os.Stdin
	}
	if t.out == nil {
		t.out = os.Stdout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	t.writeRaw(ReadyMarker)

	var wg sync.WaitGroup
	readErr := make(chan error, 1)

	go func() {
		defer close(readErr)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytesTrimSpace(line)) == 0 {
				continue
			}
			lineCopy := append([]byte(nil), line...)

			var env rpcEnvelope
			if err := json.Unmarshal(lineCopy, &env); err != nil {
				t.logger.Warn("stdio: discarding unparseable line", "error", err)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				t.handleEnvelope(ctx, env)
			}()
		}
		readErr <- scanner.Err()
	}()

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err := <-readErr:
		wg.Wait()
		return err
	}
}

// Shutdown is a no-op beyond what Serve's ctx cancellation already does:
// stdio has no listener to close, and in-flight calls are allowed to drain
// naturally via Serve's own wg.Wait().
func (t *Transport) Shutdown(ctx context.Context) error {
	return nil
}

func (t *Transport) handleEnvelope(ctx context.Context, env rpcEnvelope) {
	isNotification := len(env.ID) == 0

	if env.JSONRPC != "2.0" {
		if !isNotification {
			t.writeResponse(env.ID, nil, jsonrpcerr.InvalidRequest(`missing or invalid "jsonrpc" version (must be "2.0")`))
		}
		return
	}
	if env.Method == "" {
		if !isNotification {
			t.writeResponse(env.ID, nil, jsonrpcerr.InvalidRequest("missing method field"))
		}
		return
	}

	sess := t.currentSession()
	if env.Method != "initialize" && sess == nil {
		if !isNotification {
			t.writeResponse(env.ID, nil, jsonrpcerr.SessionInvalid())
		}
		return
	}

	call := service.Call{Method: env.Method, RequestID: string(env.ID), Params: env.Params}
	emit := func(n service.ProgressNotification) {
		t.writeProgress(string(env.ID), n)
	}

	result, errOut := t.dispatcher.Dispatch(ctx, sess, call, emit)

	if env.Method == "initialize" && errOut == nil {
		t.adoptSession(ctx, result)
	}

	if isNotification {
		return
	}
	if errOut != nil {
		t.writeResponse(env.ID, nil, errOut)
		return
	}
	t.writeResponse(env.ID, result, nil)
}

// adoptSession extracts the session id minted by handleInitialize and binds
// it as this connection's single implicit session, mirroring the HTTP
// transport's extractSessionID trick (service.Dispatcher never exports its
// internal initializeResult type).
func (t *Transport) adoptSession(ctx context.Context, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		return
	}
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(b, &v); err != nil || v.SessionID == "" {
		return
	}
	sess, err := t.sessions.Get(ctx, v.SessionID)
	if err != nil {
		return
	}
	t.sessMu.Lock()
	t.session = sess
	t.sessMu.Unlock()
}

func (t *Transport) currentSession() *session.Session {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	return t.session
}

func (t *Transport) writeResponse(id json.RawMessage, result any, errOut *jsonrpcerr.Error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	t.writeJSON(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: errOut})
}

func (t *Transport) writeProgress(requestID string, n service.ProgressNotification) {
	t.writeJSON(progressEnvelope{
		JSONRPC: "2.0",
		Method:  "notifications/progress",
		Params:  service.BuildProgressFrame(requestID, n),
	})
}

func (t *Transport) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("stdio: failed to marshal outgoing frame", "error", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.out.Write(data)
	_, _ = t.out.Write([]byte("\n"))
	if f, ok := t.out.(flusher); ok {
		_ = f.Flush()
	}
}

func (t *Transport) writeRaw(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintln(t.out, line)
	if f, ok := t.out.(flusher); ok {
		_ = f.Flush()
	}
}

type flusher interface {
	Flush() error
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

var _ service.Transport = (*Transport)(nil)
