// Package session manages MCP client sessions across tool calls.
package session

import (
	"sync"
	"time"
)

// ClientDescriptor identifies the MCP client that opened a session, as
// supplied in the initialize handshake's clientInfo/protocolVersion fields.
type ClientDescriptor struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// Session tracks a client's context across tool calls.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string
	// Client is the descriptor captured from the initialize handshake.
	Client ClientDescriptor
	// Capabilities are the capability flags negotiated at initialize.
	Capabilities map[string]bool
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session will expire absent further activity (UTC).
	ExpiresAt time.Time
	// LastAccess is the last time the session was touched (UTC).
	LastAccess time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// IsExpired checks if the session has exceeded its idle timeout.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Refresh updates LastAccess and extends ExpiresAt by the given duration.
func (s *Session) Refresh(timeout time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
}

// BeginRequest records a request id as in-flight for this session.
func (s *Session) BeginRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]struct{})
	}
	s.inFlight[id] = struct{}{}
}

// EndRequest clears a request id from the in-flight set.
func (s *Session) EndRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// InFlightRequestIDs returns a snapshot of currently in-flight request ids,
// used when terminating a session to cancel every request bound to it.
func (s *Session) InFlightRequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}
