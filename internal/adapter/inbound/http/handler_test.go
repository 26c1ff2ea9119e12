package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/outbound/memory"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/tool"
	"github.com/evolv3ai/kuzumem-mcp/internal/service"
)

type fakeProvisioner struct{}

func (fakeProvisioner) Acquire(ctx context.Context, clientProjectRoot, repository, branch string) (*graphdb.Handle, error) {
	return nil, errFakeAcquire
}
func (fakeProvisioner) Shutdown(ctx context.Context) error { return nil }

var errFakeAcquire = &fakeAcquireError{}

type fakeAcquireError struct{}

func (*fakeAcquireError) Error() string { return "not used in handler tests" }

func newTestHandler(t *testing.T) (*Handler, *session.SessionService) {
	t.Helper()

	registry := tool.NewRegistry()
	if err := service.RegisterCatalog(registry); err != nil {
		t.Fatalf("RegisterCatalog: %v", err)
	}
	registry.Freeze()

	store := memory.NewSessionStore()
	sessions := session.NewSessionService(store, session.Config{Timeout: time.Minute})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher, err := service.NewDispatcher(registry, sessions, fakeProvisioner{}, logger, service.ServerInfo{Name: "kuzumem-mcp", Version: "test"}, "2025-03-26")
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	h := NewHandler(dispatcher, sessions, store, logger, 4*1024*1024, 5*time.Second)
	return h, sessions
}

func doPost(h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Initialize_IssuesSessionID(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`
	rec := doPost(h, body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	sid := rec.Header().Get(MCPSessionIDHeader)
	if sid == "" {
		t.Fatal("expected Mcp-Session-Id response header")
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ProtocolVersion string `json:"protocolVersion"`
			SessionID       string `json:"sessionId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, rec.Body.String())
	}
	if resp.Result.SessionID != sid {
		t.Errorf("result.sessionId = %q, want header value %q", resp.Result.SessionID, sid)
	}
}

func TestHandler_ToolsList_IncludesCatalog(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t)

	sess, err := sessions.Create(context.Background(), session.ClientDescriptor{Name: "t", Version: "1"}, nil)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	body := `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`
	rec := doPost(h, body, map[string]string{MCPSessionIDHeader: sess.ID})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, rec.Body.String())
	}
	names := make(map[string]bool)
	for _, tl := range resp.Result.Tools {
		names[tl.Name] = true
	}
	for _, want := range []string{"memory-bank", "entity", "introspect", "query", "associate", "analyze", "detect", "bulk-import", "search"} {
		if !names[want] {
			t.Errorf("tools/list missing %q", want)
		}
	}
}

func TestHandler_UnknownSession_RejectedWithSessionInvalid(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`
	rec := doPost(h, body, map[string]string{MCPSessionIDHeader: "unknown"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, rec.Body.String())
	}
	if resp.Error.Code != -32000 || resp.Error.Message != "Session invalid" {
		t.Errorf("error = %+v, want code=-32000 message=%q", resp.Error, "Session invalid")
	}
}

func TestHandler_MissingMethod_InvalidRequest(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doPost(h, `{"jsonrpc":"2.0","id":1}`, nil)

	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error.Code != -32600 {
		t.Errorf("error.code = %d, want -32600; body=%s", resp.Error.Code, rec.Body.String())
	}
}

func TestHandler_EmptyBody_ParseError(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doPost(h, "", nil)

	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error.Code != -32700 {
		t.Errorf("error.code = %d, want -32700", resp.Error.Code)
	}
}

func TestHandler_OversizedPayload_PayloadTooLarge(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	h.maxRequestSize = 16

	rec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`, nil)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	var resp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error.Code != -32000 || resp.Error.Message != "Payload Too Large" {
		t.Errorf("error = %+v, want code=-32000 message='Payload Too Large'", resp.Error)
	}
}

func TestHandler_NotificationGetsNoBody(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Create(context.Background(), session.ClientDescriptor{Name: "t", Version: "1"}, nil)

	rec := doPost(h, `{"jsonrpc":"2.0","method":"tools/list"}`, map[string]string{MCPSessionIDHeader: sess.ID})

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 for a notification", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for notification, got %q", rec.Body.String())
	}
}

func TestHandler_InvalidContentType_Rejected(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error.Code != -32600 {
		t.Errorf("error.code = %d, want -32600", resp.Error.Code)
	}
}

func TestHandler_UnsupportedMethod_405(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPatch, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_Options_CORSPreflight(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Access-Control-Allow-Methods header")
	}
}

func TestHandler_Delete_UnknownSession_404(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(MCPSessionIDHeader, "nonexistent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandler_Delete_TerminatesSession(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t)
	sess, _ := sessions.Create(context.Background(), session.ClientDescriptor{Name: "t", Version: "1"}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(MCPSessionIDHeader, sess.ID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if _, err := sessions.Get(context.Background(), sess.ID); err == nil {
		t.Error("expected session to be gone after DELETE")
	}
}

func TestHandler_Health_ReportsSessionCount(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t)
	_, _ = sessions.Create(context.Background(), session.ClientDescriptor{Name: "t", Version: "1"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHealth().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", resp.Sessions)
	}
}
