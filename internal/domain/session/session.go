package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the default session idle timeout (spec §6 sessionIdleTimeout default).
const DefaultTimeout = 30 * time.Minute

// Config holds session service configuration.
type Config struct {
	// Timeout is the session idle-expiration duration. Default: 30 minutes.
	Timeout time.Duration
}

// SessionService manages session lifecycle: create, lookup, touch, expire.
type SessionService struct {
	store   SessionStore
	timeout time.Duration

	// cancelMu guards cancels, the live per-request cancellation registry.
	// Session stores hand out deep copies (memory.MemorySessionStore's
	// copySession), so a context.CancelFunc can't be hung off the Session
	// value itself — it would be discarded along with the copy. The
	// registry lives here instead, keyed by session id then request id, so
	// Delete can reach every request still bound to a session regardless of
	// which copy the dispatcher is holding.
	cancelMu sync.Mutex
	cancels  map[string]map[string]context.CancelFunc
}

// NewSessionService creates a new SessionService with the given store and config.
func NewSessionService(store SessionStore, cfg Config) *SessionService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &SessionService{
		store:   store,
		timeout: timeout,
		cancels: make(map[string]map[string]context.CancelFunc),
	}
}

// RegisterCancel records cancel as the way to abort the in-flight request
// requestID bound to sessionID. Callers must pair every RegisterCancel with
// an UnregisterCancel once the request finishes, successfully or not.
func (s *SessionService) RegisterCancel(sessionID, requestID string, cancel context.CancelFunc) {
	if sessionID == "" {
		return
	}
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	reqs, ok := s.cancels[sessionID]
	if !ok {
		reqs = make(map[string]context.CancelFunc)
		s.cancels[sessionID] = reqs
	}
	reqs[requestID] = cancel
}

// UnregisterCancel removes the cancel func registered for requestID, once
// its request has reached a terminal outcome.
func (s *SessionService) UnregisterCancel(sessionID, requestID string) {
	if sessionID == "" {
		return
	}
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	reqs, ok := s.cancels[sessionID]
	if !ok {
		return
	}
	delete(reqs, requestID)
	if len(reqs) == 0 {
		delete(s.cancels, sessionID)
	}
}

// cancelInFlight invokes and forgets every cancel func registered for
// sessionID, aborting every request still bound to it.
func (s *SessionService) cancelInFlight(sessionID string) {
	s.cancelMu.Lock()
	reqs := s.cancels[sessionID]
	delete(s.cancels, sessionID)
	s.cancelMu.Unlock()

	for _, cancel := range reqs {
		cancel()
	}
}

// Create issues a new session for the client descriptor captured at
// initialize, stamping lifecycle timestamps and inserting it into the
// registry.
func (s *SessionService) Create(ctx context.Context, client ClientDescriptor, capabilities map[string]bool) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		Client:       client,
		Capabilities: capabilities,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
		LastAccess:   now,
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

// Get retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist or is expired.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Double-check expiration (store might not enforce it)
	if sess.IsExpired() {
		_ = s.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Refresh extends session expiration and updates last access time — the
// per-request "touch" invoked from the dispatch path (C4 lookup semantics).
func (s *SessionService) Refresh(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if sess.IsExpired() {
		_ = s.store.Delete(ctx, id)
		return ErrSessionNotFound
	}

	sess.Refresh(s.timeout)

	if err := s.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	return nil
}

// Delete terminates a session immediately, cancelling every in-flight
// request bound to it (spec.md §4.4 "cancel any in-flight requests bound to
// it", §5 "Session termination: cancels all requests bound to that
// session") before removing it from the store.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	s.cancelInFlight(id)
	return s.store.Delete(ctx, id)
}

// GenerateSessionID creates a cryptographically random session ID.
// Uses crypto/rand for unpredictability, satisfying the "sufficiently
// unguessable" session-id invariant (spec §3).
// Returns 64 hex characters (32 bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
