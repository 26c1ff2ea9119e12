// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with a request_id field.
type LoggerKey struct{}

// RequestIDKey is the context key type for the per-request correlation id
// (spec.md's request id is wire-level; this is the transport-local id
// RequestIDMiddleware assigns for logging/tracing before dispatch).
type RequestIDKey struct{}

// IPAddressKey is the context key type for the client's real IP address,
// as resolved by RealIPMiddleware.
type IPAddressKey struct{}

// APIKeyAuthenticatedKey is the context key type recording whether the
// single shared-secret API key check (D6) passed for this request.
type APIKeyAuthenticatedKey struct{}

// SessionIDKey is the context key type for the resolved Mcp-Session-Id
// header value. No middleware or handler in this module stores a value
// under it.
type SessionIDKey struct{}
