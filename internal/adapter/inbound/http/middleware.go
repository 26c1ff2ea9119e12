// Package http provides the HTTP-Streaming transport adapter (C2) for the
// kuzumem-mcp server.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/evolv3ai/kuzumem-mcp/internal/ctxkey"
)

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger with it, storing both under the shared ctxkey types.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context, falling
// back to slog.Default() if RequestIDMiddleware never ran.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// DNSRebindingProtection validates the Origin header against an allowlist
// (spec.md §4.2 OPTIONS /mcp CORS preflight's companion guard). Requests
// without an Origin header are allowed (same-origin or non-browser);
// requests with an Origin header not in allowedOrigins are rejected.
func DNSRebindingProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if wildcard {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware enforces D6's single shared-secret check: when
// expectedHash is non-empty, every request must carry
// `Authorization: Bearer <secret>` matching it (argon2id comparison,
// constant-time by construction). An empty expectedHash disables the check
// entirely — spec.md's Non-goals exclude multi-tenant authentication, so
// there is no per-client identity here, only a single shared gate.
func APIKeyMiddleware(expectedHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expectedHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w)
				return
			}

			match, err := argon2id.ComparePasswordAndHash(token, expectedHash)
			if err != nil || !match {
				writeUnauthorized(w)
				return
			}

			// A short, non-reversible fingerprint of the key for log
			// correlation — never the raw secret.
			fingerprint := xxhash.Sum64String(token)
			logger := LoggerFromContext(r.Context()).With("api_key_fp", fingerprint)

			ctx := context.WithValue(r.Context(), ctxkey.APIKeyAuthenticatedKey{}, true)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    -32000,
			"message": "Unauthorized",
		},
	})
}

// RealIPMiddleware extracts the client's real IP address (for logging;
// spec.md §4.3 notes suspicious proxy headers are logged, not rejected)
// and stores it under ctxkey.IPAddressKey.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), ctxkey.IPAddressKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRealIP resolves the client's address for logging: the first
// (left-most) X-Forwarded-For entry, else X-Real-IP, else the host part of
// RemoteAddr. The forwarded headers are taken as sent; they are not checked
// against a list of trusted proxies.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
