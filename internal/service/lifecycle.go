package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"
)

// Transport is the minimal surface the Server Lifecycle (C9) needs from a
// running transport to start it and to ask it to stop accepting new work.
type Transport interface {
	// Serve blocks until ctx is cancelled or an unrecoverable transport
	// error occurs.
	Serve(ctx context.Context) error
	// Shutdown stops accepting new requests and, where the transport
	// supports it (HTTP), drains in-flight connections.
	Shutdown(ctx context.Context) error
}

// SweepableStore is implemented by session stores that run their own
// background expiry sweep (spec.md §4.4 sweep()); internal/adapter/outbound/memory's
// MemorySessionStore is the only implementation today.
type SweepableStore interface {
	StartCleanup(ctx context.Context)
	Stop()
}

// Lifecycle implements the Server Lifecycle (C9): startup order, sweep
// task, and graceful shutdown with a bounded grace period.
type Lifecycle struct {
	Logger        *slog.Logger
	Transports    []Transport
	SessionStore  SweepableStore
	Provisioner   graphdb.Provisioner
	ShutdownGrace time.Duration
}

// Run starts every registered transport concurrently and the session
// sweep task, then blocks until ctx is cancelled (the caller wires ctx to
// an OS signal via signal.NotifyContext per SPEC_FULL.md A4). On
// cancellation it runs the shutdown sequence and returns its error, if any.
//
// Startup order follows spec.md §4.9: by the time Run is called, the
// caller has already loaded configuration and constructed the Session
// Registry, Database Provisioner, and tool registry — Run's job is just
// "start transports, start sweep".
func (l *Lifecycle) Run(ctx context.Context) error {
	if l.SessionStore != nil {
		l.SessionStore.StartCleanup(ctx)
	}

	errCh := make(chan error, len(l.Transports))
	for _, t := range l.Transports {
		t := t
		go func() {
			if err := t.Serve(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	<-ctx.Done()
	l.Logger.Info("lifecycle: shutdown signal received")

	shutdownErr := l.shutdown()

	// Drain transport Serve() returns; they should already be unwinding
	// because ctx is cancelled.
	for range l.Transports {
		<-errCh
	}

	return shutdownErr
}

// shutdown stops the transports (bounded by ShutdownGrace), stops the
// session store's sweep goroutine, and closes database handles. Sessions
// still in the store are not terminated one by one.
func (l *Lifecycle) shutdown() error {
	grace := l.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var firstErr error
	for _, t := range l.Transports {
		if err := t.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lifecycle: transport shutdown: %w", err)
		}
	}

	if l.SessionStore != nil {
		l.SessionStore.Stop()
	}

	if l.Provisioner != nil {
		if err := l.Provisioner.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lifecycle: provisioner shutdown: %w", err)
		}
	}

	return firstErr
}
