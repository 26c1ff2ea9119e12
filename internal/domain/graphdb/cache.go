package graphdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb")

// CachingProvisioner is the concrete Provisioner (C7): it derives a
// deterministic on-disk path per key, opens the engine at most once
// concurrently per key via a per-key mutex (replacing the teacher's
// async-factory mutex pattern, §9 design notes), and caches the resulting
// Handle for the life of the process.
type CachingProvisioner struct {
	opener      Opener
	relativeDir string
	extension   string
	logger      *slog.Logger

	mu       sync.Mutex // guards handles and keyLocks map mutation
	handles  map[Key]*Handle
	keyLocks map[Key]*sync.Mutex // per-key open-serialization lock
}

// NewCachingProvisioner constructs a Provisioner backed by opener, storing
// database files under <clientProjectRoot>/<relativeDir>/<branch><extension>.
func NewCachingProvisioner(opener Opener, relativeDir, extension string, logger *slog.Logger) *CachingProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingProvisioner{
		opener:      opener,
		relativeDir: relativeDir,
		extension:   extension,
		logger:      logger,
		handles:     make(map[Key]*Handle),
		keyLocks:    make(map[Key]*sync.Mutex),
	}
}

// Acquire resolves (clientProjectRoot, repository, branch) to a Handle,
// opening it on first touch and sharing the cached Handle with concurrent
// callers for the same key (spec.md §3 invariant 3).
func (p *CachingProvisioner) Acquire(ctx context.Context, clientProjectRoot, repository, branch string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "db.acquire",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("graphdb.repository", repository),
			attribute.String("graphdb.branch", branch),
		),
	)
	defer span.End()

	handle, err := p.acquire(ctx, clientProjectRoot, repository, branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
	}
	return handle, err
}

func (p *CachingProvisioner) acquire(ctx context.Context, clientProjectRoot, repository, branch string) (*Handle, error) {
	key := Key{ClientProjectRoot: clientProjectRoot, Repository: repository, Branch: branch}

	// Fast path: already cached.
	p.mu.Lock()
	if h, ok := p.handles[key]; ok {
		p.mu.Unlock()
		h.acquireRef()
		return h, nil
	}
	keyLock, ok := p.keyLocks[key]
	if !ok {
		keyLock = &sync.Mutex{}
		p.keyLocks[key] = keyLock
	}
	p.mu.Unlock()

	// Serialize opens for this key only; unrelated keys are never blocked.
	keyLock.Lock()
	defer keyLock.Unlock()

	p.mu.Lock()
	if h, ok := p.handles[key]; ok {
		p.mu.Unlock()
		h.acquireRef()
		return h, nil
	}
	p.mu.Unlock()

	path, err := DerivePath(clientProjectRoot, p.relativeDir, branch, p.extension)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %v", ErrUnavailable, err)
	}

	querier, closer, err := p.opener.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	handle := NewHandle(key, path, querier, closer)
	handle.acquireRef()

	p.mu.Lock()
	p.handles[key] = handle
	p.mu.Unlock()

	p.logger.Info("graphdb: opened database", "repository", repository, "branch", branch, "path", path)
	return handle, nil
}

// Shutdown closes every cached Handle. Callers are expected to have
// already stopped admitting new requests; this does not itself cancel
// in-flight queries (that is the Tool Dispatcher's cancellation-token
// responsibility, spec.md §5).
func (p *CachingProvisioner) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[Key]*Handle)
	p.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Count returns the number of distinct cached Handles, for tests asserting
// database isolation (spec.md §8 property 5).
func (p *CachingProvisioner) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
