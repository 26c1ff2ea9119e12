package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httptransport "github.com/evolv3ai/kuzumem-mcp/internal/adapter/inbound/http"
	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/inbound/stdio"
	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/outbound/graphdb"
	"github.com/evolv3ai/kuzumem-mcp/internal/adapter/outbound/memory"
	"github.com/evolv3ai/kuzumem-mcp/internal/config"
	domaingraphdb "github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/session"
	"github.com/evolv3ai/kuzumem-mcp/internal/domain/tool"
	"github.com/evolv3ai/kuzumem-mcp/internal/observability"
	"github.com/evolv3ai/kuzumem-mcp/internal/service"
)

// protocolVersion is the MCP protocol version this server echoes back in
// the initialize handshake when a client doesn't request a specific one.
const protocolVersion = "2024-11-05"

var writePIDFileFlag bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kuzumem-mcp server",
	Long: `Start the kuzumem-mcp server, exposing the repository-scoped memory bank
over the transport(s) configured (stdio, http, or both).

Examples:
  # Start using kuzumem-mcp.yaml in the current directory
  kuzumem-mcp start

  # Start with an explicit config file
  kuzumem-mcp start --config /etc/kuzumem-mcp/kuzumem-mcp.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStart,
}

func init() {
	startCmd.Flags().BoolVar(&writePIDFileFlag, "pid-file", false, "write a PID file so 'kuzumem-mcp stop' can find this process")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return exitError{code: 2, err: fmt.Errorf("configuration error: %w", err)}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel()),
	}))

	if cfg.Transport != "stdio" {
		if cfgFile := config.ConfigFileUsed(); cfgFile != "" {
			logger.Info("loaded configuration", "file", cfgFile)
		} else {
			logger.Info("no config file found, using defaults and environment overrides")
		}
	}

	if writePIDFileFlag {
		pidPath := pidFilePath()
		if err := writePIDFile(pidPath); err != nil {
			logger.Warn("failed to write PID file", "path", pidPath, "error", err)
		} else {
			logger.Info("wrote PID file", "path", pidPath)
		}
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	// Tracing/metrics are opt-in at debug_level >= 2 (spec.md §6's "debug")
	// since the stdout/stderr span dumps are noisy for routine operation.
	telemetryShutdown, err := observability.Setup(ctx, os.Stderr, cfg.DebugLevel >= 2, logger)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("setting up observability: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown error", "error", err)
		}
	}()

	opener := graphdb.NewSQLiteOpener()
	provisioner := domaingraphdb.NewCachingProvisioner(opener, cfg.Database.RelativeDir, cfg.Database.Extension, logger)

	registry := tool.NewRegistry()
	if err := service.RegisterCatalog(registry); err != nil {
		return exitError{code: 1, err: fmt.Errorf("registering tool catalog: %w", err)}
	}
	registry.Freeze()

	sessionStore := memory.NewSessionStore()
	sessions := session.NewSessionService(sessionStore, session.Config{
		Timeout: cfg.SessionIdleTimeoutDuration(),
	})

	dispatcher, err := service.NewDispatcher(registry, sessions, provisioner, logger, service.ServerInfo{
		Name:    "kuzumem-mcp",
		Version: Version,
	}, protocolVersion)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("constructing dispatcher: %w", err)}
	}

	transports, err := buildTransports(cfg, dispatcher, sessions, sessionStore, logger)
	if err != nil {
		return exitError{code: 1, err: err}
	}

	if cfg.Transport != "stdio" {
		printBanner(Version, cfg.Server.Host, cfg.Server.Port, cfg.Transport, len(registry.List()))
	}

	lifecycle := &service.Lifecycle{
		Logger:        logger,
		Transports:    transports,
		SessionStore:  sessionStore,
		Provisioner:   provisioner,
		ShutdownGrace: cfg.ShutdownGraceDuration(),
	}

	if err := lifecycle.Run(ctx); err != nil {
		return exitError{code: 1, err: err}
	}

	return nil
}

// buildTransports constructs the inbound transports named by cfg.Transport
// ("stdio", "http", or "both").
func buildTransports(
	cfg *config.Config,
	dispatcher *service.Dispatcher,
	sessions *session.SessionService,
	sessionStore *memory.MemorySessionStore,
	logger *slog.Logger,
) ([]service.Transport, error) {
	var transports []service.Transport

	switch cfg.Transport {
	case "stdio", "both":
		transports = append(transports, stdio.NewTransport(dispatcher, sessions, stdio.WithLogger(logger)))
	}

	switch cfg.Transport {
	case "http", "both":
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		transports = append(transports, httptransport.NewTransport(
			dispatcher,
			sessions,
			sessionStore,
			httptransport.WithAddr(addr),
			httptransport.WithLogger(logger),
			httptransport.WithAllowedOrigins(cfg.Server.CORSOrigins),
			httptransport.WithMaxRequestSize(cfg.Security.MaxRequestSize),
			httptransport.WithRequestTimeout(cfg.RequestTimeoutDuration()),
			httptransport.WithAPIKeyHash(cfg.Security.APIKeyHash),
			httptransport.WithShutdownGrace(cfg.ShutdownGraceDuration()),
		))
	}

	if len(transports) == 0 {
		return nil, fmt.Errorf("invalid transport %q: must be stdio, http, or both", cfg.Transport)
	}

	return transports, nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr. Only called in
// HTTP mode to avoid interfering with the stdio MCP transport on stdout.
func printBanner(version, host string, port int, transport string, toolCount int) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
	)
	fmt.Fprintf(os.Stderr, "%s%skuzumem-mcp%s %s\n", bold, cyan, reset, version)
	fmt.Fprintf(os.Stderr, "  transport: %s\n", transport)
	if transport != "stdio" {
		fmt.Fprintf(os.Stderr, "  listening: http://%s:%d/mcp\n", host, port)
	}
	fmt.Fprintf(os.Stderr, "  tools:     %d registered\n", toolCount)
}

// exitError carries a process exit code alongside the error that caused it,
// per spec.md §6: 0 clean shutdown, 1 runtime failure, 2 configuration error.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
