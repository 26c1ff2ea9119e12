package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/outbound/memory"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/jsonrpcerr"
	"github.com/evolv3ai/kuzumem-mcp/internal/service"
)

// MCPProtocolVersion is the value this handler writes in the
// MCP-Protocol-Version response header. The protocolVersion of an
// initialize result is chosen by the Dispatcher, not taken from here.
const MCPProtocolVersion = "2025-06-18"

// MCPSessionIDHeader is the header carrying the session identifier.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header carrying the negotiated protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// Handler serves the HTTP-Streaming transport's `/mcp` endpoint (C2) and
// `/health` liveness probe, routing tools/call and protocol methods through
// the Tool Dispatcher (C6) instead of the teacher's ProxyService pipeline.
type Handler struct {
	dispatcher     *service.Dispatcher
	sessions       *session.SessionService
	sessionStore   *memory.MemorySessionStore
	logger         *slog.Logger
	maxRequestSize int64
	requestTimeout time.Duration
	startedAt      time.Time
}

// NewHandler constructs a Handler. sessionStore is the concrete store behind
// sessions, consulted only for the /health session count (the SessionStore
// interface doesn't expose Size, so the handler needs the concrete type).
func NewHandler(
	dispatcher *service.Dispatcher,
	sessions *session.SessionService,
	sessionStore *memory.MemorySessionStore,
	logger *slog.Logger,
	maxRequestSize int64,
	requestTimeout time.Duration,
) *Handler {
	return &Handler{
		dispatcher:     dispatcher,
		sessions:       sessions,
		sessionStore:   sessionStore,
		logger:         logger,
		maxRequestSize: maxRequestSize,
		requestTimeout: requestTimeout,
		startedAt:      time.Now(),
	}
}

// ServeHTTP routes by method, per spec.md §4.2's endpoint table.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodOptions:
		h.handleOptions(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// rpcEnvelope is the wire shape of one inbound JSON-RPC Request/Notification.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// handlePost implements the three Request Security guards (§4.3) and then
// dispatches one (or, for a JSON-array body, several) JSON-RPC requests.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.InvalidRequest("Content-Type must be application/json"))
		return
	}

	// Guard 1: declared-size check via Content-Length, before reading the body.
	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > h.maxRequestSize {
			h.writePayloadTooLarge(w)
			return
		}
	}

	// Guard 2: streaming-size check, protecting against a missing/spoofed
	// Content-Length.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writePayloadTooLarge(w)
			return
		}
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.ParseError("failed to read request body"))
		return
	}
	if len(body) == 0 {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.ParseError("empty request body"))
		return
	}
	if !json.Valid(body) {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.ParseError("invalid JSON"))
		return
	}

	envelopes, batch, parseErr := parseEnvelopes(body)
	if parseErr != nil {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, parseErr)
		return
	}

	// Guard 3: per-request deadline. Cooperative — the dispatcher's
	// handlers observe ctx via the Execution Context and must check it
	// between suspension points (spec.md §5).
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	sess := h.lookupSession(ctx, r)

	if acceptsEventStream(r) && hasStreamableCall(envelopes) {
		h.streamSSE(w, ctx, sess, envelopes)
		return
	}

	h.respondJSON(w, r, ctx, sess, envelopes, batch)
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, ctx context.Context, sess *session.Session, envelopes []rpcEnvelope, batch bool) {
	type dispatched struct {
		body      json.RawMessage
		sessionID string
	}
	results := make([]dispatched, 0, len(envelopes))

	for _, env := range envelopes {
		body, newSessionID := h.dispatchOne(ctx, sess, env)
		if body != nil {
			results = append(results, dispatched{body: body, sessionID: newSessionID})
		}
	}

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)

	newSessionID := ""
	for _, res := range results {
		if res.sessionID != "" {
			newSessionID = res.sessionID
		}
	}
	if newSessionID != "" {
		w.Header().Set(MCPSessionIDHeader, newSessionID)
	} else if sid := r.Header.Get(MCPSessionIDHeader); sid != "" {
		w.Header().Set(MCPSessionIDHeader, sid)
	}

	if len(results) == 0 {
		// Every envelope was a notification: Streamable HTTP requires 202
		// Accepted with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if batch {
		bodies := make([]json.RawMessage, 0, len(results))
		for _, res := range results {
			bodies = append(bodies, res.body)
		}
		_ = json.NewEncoder(w).Encode(bodies)
		return
	}
	_, _ = w.Write(results[0].body)
}

// dispatchOne runs one envelope through the Dispatcher and returns its wire
// response body (nil for notifications, which never produce a response) and
// the freshly issued session id, if this envelope was an initialize call.
func (h *Handler) dispatchOne(ctx context.Context, sess *session.Session, env rpcEnvelope) (json.RawMessage, string) {
	isNotification := len(env.ID) == 0

	if env.JSONRPC != "2.0" {
		if isNotification {
			return nil, ""
		}
		return errorEnvelope(env.ID, jsonrpcerr.InvalidRequest(`missing or invalid "jsonrpc" version (must be "2.0")`)), ""
	}
	if env.Method == "" {
		if isNotification {
			return nil, ""
		}
		return errorEnvelope(env.ID, jsonrpcerr.InvalidRequest("missing method field")), ""
	}

	if env.Method != "initialize" && sess == nil {
		if isNotification {
			return nil, ""
		}
		return errorEnvelope(env.ID, jsonrpcerr.SessionInvalid()), ""
	}

	call := service.Call{Method: env.Method, RequestID: string(env.ID), Params: env.Params}
	result, errOut := h.dispatcher.Dispatch(ctx, sess, call, func(service.ProgressNotification) {})

	if isNotification {
		return nil, ""
	}
	if errOut != nil {
		return errorEnvelope(env.ID, errOut), ""
	}

	newSessionID := ""
	if env.Method == "initialize" {
		newSessionID = extractSessionID(result)
	}

	body, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{"2.0", env.ID, result})
	if err != nil {
		return errorEnvelope(env.ID, jsonrpcerr.Internal("serializing result: "+err.Error())), newSessionID
	}
	return body, newSessionID
}

// streamSSE serves tool calls that asked for text/event-stream: progress
// notifications are written as `event: mcpNotification` frames as they
// arrive, and the terminal response as `event: mcpResponse` (spec.md §4.2).
// The connection stays open until every envelope's terminal response (or
// silent notification completion) has been written.
func (h *Handler) streamSSE(w http.ResponseWriter, ctx context.Context, sess *session.Session, envelopes []rpcEnvelope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.Internal("streaming not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	var wg sync.WaitGroup
	for _, env := range envelopes {
		env := env
		isNotification := len(env.ID) == 0

		if env.JSONRPC != "2.0" || env.Method == "" {
			if !isNotification {
				writeEvent("mcpResponse", rawResponseValue(env.ID, nil, jsonrpcerr.InvalidRequest("malformed request")))
			}
			continue
		}
		if env.Method != "initialize" && sess == nil {
			if !isNotification {
				writeEvent("mcpResponse", rawResponseValue(env.ID, nil, jsonrpcerr.SessionInvalid()))
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			call := service.Call{Method: env.Method, RequestID: string(env.ID), Params: env.Params}
			emit := func(n service.ProgressNotification) {
				writeEvent("mcpNotification", progressEnvelopeValue(service.BuildProgressFrame(string(env.ID), n)))
			}
			result, errOut := h.dispatcher.Dispatch(ctx, sess, call, emit)
			if isNotification {
				return
			}
			if errOut != nil {
				writeEvent("mcpResponse", rawResponseValue(env.ID, nil, errOut))
				return
			}
			writeEvent("mcpResponse", rawResponseValue(env.ID, result, nil))
		}()
	}
	wg.Wait()
}

type progressEnvelope struct {
	JSONRPC string               `json:"jsonrpc"`
	Method  string               `json:"method"`
	Params  service.ProgressFrame `json:"params"`
}

func progressEnvelopeValue(frame service.ProgressFrame) progressEnvelope {
	return progressEnvelope{JSONRPC: "2.0", Method: "notifications/progress", Params: frame}
}

type rawResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  any               `json:"result,omitempty"`
	Error   *jsonrpcerr.Error `json:"error,omitempty"`
}

func rawResponseValue(id json.RawMessage, result any, errOut *jsonrpcerr.Error) rawResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return rawResponse{JSONRPC: "2.0", ID: id, Result: result, Error: errOut}
}

func errorEnvelope(id json.RawMessage, errOut *jsonrpcerr.Error) json.RawMessage {
	body, _ := json.Marshal(rawResponseValue(id, nil, errOut))
	return body
}

func extractSessionID(result any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	return v.SessionID
}

// parseEnvelopes accepts either a single JSON-RPC Request object or a JSON
// array of them (spec.md §6 "a single JSON-RPC Request or a JSON array").
func parseEnvelopes(body []byte) (envelopes []rpcEnvelope, batch bool, errOut *jsonrpcerr.Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []rpcEnvelope
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, false, jsonrpcerr.InvalidRequest("malformed batch request: " + err.Error())
		}
		return arr, true, nil
	}

	var env rpcEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false, jsonrpcerr.InvalidRequest("request must be a JSON object")
	}
	return []rpcEnvelope{env}, false, nil
}

// lookupSession resolves Mcp-Session-Id against the Session Registry (C4).
// Returns nil if the header is absent or the session is unknown/expired —
// callers decide whether that's fatal (any non-initialize call) or fine
// (initialize always creates a fresh session of its own).
func (h *Handler) lookupSession(ctx context.Context, r *http.Request) *session.Session {
	id := r.Header.Get(MCPSessionIDHeader)
	if id == "" {
		return nil
	}
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		return nil
	}
	_ = h.sessions.Refresh(ctx, id)
	return sess
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func hasStreamableCall(envelopes []rpcEnvelope) bool {
	for _, env := range envelopes {
		if env.Method == "tools/call" {
			return true
		}
	}
	return false
}

func (h *Handler) writePayloadTooLarge(w http.ResponseWriter) {
	writeJSONRPCEnvelope(w, http.StatusRequestEntityTooLarge, nil, nil, jsonrpcerr.PayloadTooLarge())
}

// writeJSONRPCEnvelope writes a single JSON-RPC error response with the
// given HTTP status (most JSON-RPC errors use 200 per convention; the
// payload-too-large guard uses the literal HTTP 413-equivalent spec.md §4.3
// calls for).
func writeJSONRPCEnvelope(w http.ResponseWriter, status int, id json.RawMessage, _ any, errOut *jsonrpcerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rawResponseValue(id, nil, errOut))
}

// handleGet opens a session-scoped SSE stream reserved for server-initiated
// notifications outside of a tool call (spec.md §4.2 "unused by the core
// tools but reserved"). It is kept minimal: it requires a valid session and
// otherwise just holds the connection open until the client or context ends.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeJSONRPCEnvelope(w, http.StatusOK, nil, nil, jsonrpcerr.SessionInvalid())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	<-r.Context().Done()
}

// handleDelete terminates the session named by Mcp-Session-Id.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if err := h.sessions.Delete(r.Context(), sessionID); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleOptions answers CORS preflight (spec.md §4.2/§4.3).
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// healthPayload is the `GET /health` body (spec.md §4.2).
type healthPayload struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	UptimeSec int64  `json:"uptimeSec"`
}

// ServeHealth returns an http.Handler for the `/health` liveness probe.
func (h *Handler) ServeHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := 0
		if h.sessionStore != nil {
			sessions = h.sessionStore.Size()
		}
		payload := healthPayload{
			Status:    "ok",
			Sessions:  sessions,
			UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
	})
}
