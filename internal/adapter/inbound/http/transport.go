// Package http provides HTTP/Streamable HTTP transport for the kuzumem-mcp
// server (C2's HTTP-Streaming variant).
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/outbound/memory"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/service"
)

// Transport is the inbound adapter that serves MCP over HTTP, implementing
// service.Transport for the Server Lifecycle (C9).
type Transport struct {
	dispatcher     *service.Dispatcher
	sessions       *session.SessionService
	sessionStore   *memory.MemorySessionStore
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	logger         *slog.Logger
	maxRequestSize int64
	requestTimeout time.Duration
	apiKeyHash     string
	shutdownGrace  time.Duration
	metrics        *Metrics
	registry       *prometheus.Registry
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:3001".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS enables TLS (minimum 1.2) with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the DNS-rebinding-protection allowlist (spec.md
// §4.3). An entry of "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(t *Transport) { t.allowedOrigins = origins }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxRequestSize sets the Request Security (C3) byte ceiling.
func WithMaxRequestSize(n int64) Option {
	return func(t *Transport) { t.maxRequestSize = n }
}

// WithRequestTimeout sets the per-request deadline (C3 guard 3).
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) { t.requestTimeout = d }
}

// WithAPIKeyHash enables the D6 shared-secret check; empty disables it.
func WithAPIKeyHash(hash string) Option {
	return func(t *Transport) { t.apiKeyHash = hash }
}

// WithShutdownGrace sets how long Shutdown waits for in-flight requests to
// drain before forcing the listener closed.
func WithShutdownGrace(d time.Duration) Option {
	return func(t *Transport) { t.shutdownGrace = d }
}

// NewTransport constructs the HTTP transport. sessionStore is the concrete
// store behind sessions — needed for the /health session count.
func NewTransport(
	dispatcher *service.Dispatcher,
	sessions *session.SessionService,
	sessionStore *memory.MemorySessionStore,
	opts ...Option,
) *Transport {
	t := &Transport{
		dispatcher:     dispatcher,
		sessions:       sessions,
		sessionStore:   sessionStore,
		addr:           "127.0.0.1:3001",
		allowedOrigins: []string{},
		logger:         slog.Default(),
		maxRequestSize: 4 * 1024 * 1024,
		requestTimeout: 30 * time.Second,
		shutdownGrace:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve builds the middleware chain and mux, then blocks serving HTTP until
// ctx is cancelled or the listener fails (service.Transport interface).
//
// Middleware order (outermost first), per the teacher's documented chain
// generalized to this server's concerns:
//  1. MetricsMiddleware — records full request duration/status.
//  2. RequestIDMiddleware — assigns/echoes a correlation id, enriches the logger.
//  3. RealIPMiddleware — resolves the client IP for logging.
//  4. DNSRebindingProtection — validates Origin against the allowlist.
//  5. APIKeyMiddleware — the D6 shared-secret gate.
//  6. Handler — routes POST/GET/DELETE/OPTIONS on /mcp.
func (t *Transport) Serve(ctx context.Context) error {
	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(t.registry)

	handler := NewHandler(t.dispatcher, t.sessions, t.sessionStore, t.logger, t.maxRequestSize, t.requestTimeout)

	var mcpChain http.Handler = handler
	mcpChain = APIKeyMiddleware(t.apiKeyHash)(mcpChain)
	mcpChain = DNSRebindingProtection(t.allowedOrigins)(mcpChain)
	mcpChain = RealIPMiddleware(mcpChain)
	mcpChain = RequestIDMiddleware(t.logger)(mcpChain)
	mcpChain = MetricsMiddleware(t.metrics)(mcpChain)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpChain)
	mux.Handle("/mcp/", mcpChain)
	mux.Handle("/health", handler.ServeHealth())
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry}))

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight connections. When the caller's
// context has no deadline, the drain is bounded by the transport's
// configured grace period; otherwise the caller's deadline applies as is.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.shutdownGrace)
		defer cancel()
	}
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during HTTP server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

var _ service.Transport = (*Transport)(nil)
