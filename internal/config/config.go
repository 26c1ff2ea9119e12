// Package config provides configuration types for the kuzumem-mcp server.
//
// The schema carries exactly the configuration keys spec.md §6 enumerates
// (port, maxRequestSize, requestTimeout, sessionIdleTimeout, shutdownGrace,
// corsOrigins, dbRelativeDir, dbExtension, debugLevel) plus the ambient
// transport/host/dev-mode fields a runnable server needs, following the
// teacher's nested-struct, SetDefaults/Validate config idiom.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the kuzumem-mcp server.
type Config struct {
	// Transport selects which inbound transport(s) the server starts:
	// "stdio", "http", or "both".
	Transport string `yaml:"transport" mapstructure:"transport" validate:"required,oneof=stdio http both"`

	// Server configures the HTTP listener (ignored when Transport is "stdio").
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Security configures Request Security guards (C3): size limits,
	// per-request deadline, and shutdown grace period.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// Session configures Session Registry (C4) expiration.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Database configures the Database Provisioner's (C7) on-disk layout.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// DebugLevel is 0 (silent) through 3 (trace), per spec.md §6.
	DebugLevel int `yaml:"debug_level" mapstructure:"debug_level" validate:"gte=0,lte=3"`

	// DevMode widens CORS to every origin when cors_origins is not set, for
	// local development; it does not change logging. Never enabled by default.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP transport listener.
type ServerConfig struct {
	// Host is the interface to bind (default "127.0.0.1" — localhost only).
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the HTTP listen port (spec.md §6 default 3001).
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// CORSOrigins lists the origins allowed through CORS preflight (§4.2
	// OPTIONS /mcp). Empty means no cross-origin browser requests allowed.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SecurityConfig configures the three Request Security guards (§4.3).
type SecurityConfig struct {
	// MaxRequestSize is the byte ceiling enforced by both the declared-size
	// and streaming-size checks. Default 4 MiB.
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size" validate:"omitempty,min=1"`

	// RequestTimeout is the per-request deadline (e.g. "30s").
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,goduration"`

	// ShutdownGrace is how long Server Lifecycle (C9) waits for in-flight
	// requests to drain before forcing shutdown (e.g. "10s").
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty,goduration"`

	// APIKeyHash is an argon2id hash of a single shared secret (D6). When
	// set, every HTTP request must carry `Authorization: Bearer <secret>`
	// matching this hash. Empty disables the check — spec.md's Non-goals
	// exclude multi-tenant authentication, so this is deliberately a single
	// shared-secret gate, not an identity system.
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash"`
}

// SessionConfig configures Session Registry (C4) expiration.
type SessionConfig struct {
	// IdleTimeout is the inactivity duration after which the sweep evicts a
	// session (e.g. "30m"). Default 1,800,000 ms per spec.md §6.
	IdleTimeout string `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"omitempty,goduration"`
}

// DatabaseConfig configures the Database Provisioner's (C7) on-disk layout
// under `<clientProjectRoot>/<RelativeDir>/<branch><Extension>`.
type DatabaseConfig struct {
	// RelativeDir is the directory under clientProjectRoot holding database
	// files (default ".kuzumem").
	RelativeDir string `yaml:"relative_dir" mapstructure:"relative_dir"`

	// Extension is the database file extension, including the leading dot
	// (default ".db").
	Extension string `yaml:"extension" mapstructure:"extension" validate:"omitempty,startswith=."`
}

// Default values applied by SetDefaults, named so tests and docs can refer
// to them without magic numbers scattered around.
const (
	DefaultPort               = 3001
	DefaultHost               = "127.0.0.1"
	DefaultMaxRequestSize     = 4 * 1024 * 1024 // 4 MiB
	DefaultRequestTimeout     = "30s"
	DefaultShutdownGrace      = "10s"
	DefaultSessionIdleTimeout = "30m" // 1,800,000 ms
	DefaultDBRelativeDir      = ".kuzumem"
	DefaultDBExtension        = ".db"
	DefaultTransport          = "stdio"
)

// SetDefaults applies a default value to every field still at its zero
// value, so an explicit zero (e.g. port 0) is treated as unset. viper.IsSet
// is consulted only for server.cors_origins in dev mode.
func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}

	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}

	if c.Security.MaxRequestSize == 0 {
		c.Security.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.Security.RequestTimeout == "" {
		c.Security.RequestTimeout = DefaultRequestTimeout
	}
	if c.Security.ShutdownGrace == "" {
		c.Security.ShutdownGrace = DefaultShutdownGrace
	}

	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = DefaultSessionIdleTimeout
	}

	if c.Database.RelativeDir == "" {
		c.Database.RelativeDir = DefaultDBRelativeDir
	}
	if c.Database.Extension == "" {
		c.Database.Extension = DefaultDBExtension
	}

	// DevMode widens CORS so local browser-based clients work without
	// configuring an explicit allowlist. Only applied when the user hasn't
	// explicitly set cors_origins.
	if c.DevMode && !viper.IsSet("server.cors_origins") && len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
}

// RequestTimeoutDuration parses Security.RequestTimeout, falling back to
// DefaultRequestTimeout if unset or unparsable.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(c.Security.RequestTimeout, DefaultRequestTimeout)
}

// ShutdownGraceDuration parses Security.ShutdownGrace, falling back to
// DefaultShutdownGrace if unset or unparsable.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return parseDurationOr(c.Security.ShutdownGrace, DefaultShutdownGrace)
}

// SessionIdleTimeoutDuration parses Session.IdleTimeout, falling back to
// DefaultSessionIdleTimeout if unset or unparsable.
func (c *Config) SessionIdleTimeoutDuration() time.Duration {
	return parseDurationOr(c.Session.IdleTimeout, DefaultSessionIdleTimeout)
}

func parseDurationOr(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// LogLevel maps DebugLevel to a slog-compatible level name, following the
// teacher's string-valued log-level field (§A1).
func (c *Config) LogLevel() string {
	switch {
	case c.DebugLevel <= 0:
		return "warn"
	case c.DebugLevel == 1:
		return "info"
	default:
		return "debug"
	}
}
