// Package http provides the HTTP/Streamable-HTTP transport (C2) for the
// kuzumem-mcp server.
//
// It implements the MCP Streamable HTTP shape: a single `/mcp` endpoint
// accepting, as each POST body, one JSON-RPC 2.0 request or a JSON array of
// requests, with an optional
// Server-Sent Events upgrade for streaming tool-call progress.
//
// # Usage
//
// Create and run a transport under the Server Lifecycle (service.Lifecycle):
//
//	transport := http.NewTransport(dispatcher, sessions, sessionStore,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Serve(ctx) // blocks until ctx is cancelled
//
// # Endpoints
//
//	POST   /mcp     - Send one JSON-RPC request (or a JSON array of them)
//	GET    /mcp     - Open an SSE stream for server-initiated notifications
//	DELETE /mcp     - Terminate the session named by Mcp-Session-Id
//	OPTIONS /mcp    - CORS preflight
//	GET    /health  - Liveness probe: {status, sessions, uptimeSec}
//	GET    /metrics - Prometheus exposition
//
// # Headers
//
//	Mcp-Session-Id: <session-id>        - Required for every call except initialize
//	Content-Type: application/json      - Required for POST requests
//	MCP-Protocol-Version: 2025-06-18     - Set on dispatch results and SSE streams
//
// # Request Security (C3)
//
// handlePost applies three guards before dispatch: a declared-size check
// against Content-Length, a streaming-size check via http.MaxBytesReader,
// and a per-request deadline via context.WithTimeout. A payload that fails
// either size guard gets a literal HTTP 413 with a JSON-RPC envelope.
//
// # Middleware chain
//
// Requests pass through, outermost first:
//
//  1. MetricsMiddleware    - records request duration/status
//  2. RequestIDMiddleware  - assigns/echoes a correlation id
//  3. RealIPMiddleware     - resolves the client IP for logging
//  4. DNSRebindingProtection - validates Origin against the allowlist
//  5. APIKeyMiddleware     - the shared-secret gate, when configured
//  6. Handler              - routes POST/GET/DELETE/OPTIONS on /mcp
//
// Every request is then handed to the Tool Dispatcher (internal/service),
// which owns schema validation, constraint evaluation, handler invocation,
// and the progress/terminal-response contract.
//
// # Server-Sent Events (SSE)
//
// A POST whose body contains a tools/call envelope and whose Accept header
// names text/event-stream gets the streaming response: zero or more
// `event: mcpNotification` frames carrying notifications/progress payloads,
// followed by exactly one `event: mcpResponse` frame carrying the terminal
// JSON-RPC response. A single mutex-guarded writer per connection preserves
// frame ordering across concurrently dispatched envelopes in a batch.
package http
