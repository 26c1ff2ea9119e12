// Package service implements the Progress Channel (C5), Tool Dispatcher
// (C6), Tool Execution Context (C8), and Server Lifecycle (C9) — the
// local-dispatch core that spec.md §2 wires between the transports (C2) and
// the tool registry/database provisioner.
package service

import (
	"encoding/json"
	"sync"

	"github.com/evolv3ai/kuzumem-mcp/internal/jsonrpcerr"
)

// ProgressNotification is the payload behind a `notifications/progress`
// frame (spec.md §3 "Progress Payload", §4.5). Status is one of
// "initializing", "in_progress", "complete", or "error"; IsFinal marks the
// last progress notification the handler intends to send (the terminal
// JSON-RPC response is independent and always follows).
type ProgressNotification struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	IsFinal bool           `json:"isFinal,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Outcome is the single terminal event a ProgressSink delivers: either a
// successful Result or a JSON-RPC Err, never both.
type Outcome struct {
	Result any
	Err    *jsonrpcerr.Error
}

// ProgressEmitter is invoked by the sink for every progress() call that
// arrives before the terminal outcome. Transports supply this: stdio
// writes a `notifications/progress` line immediately (non-blocking),
// HTTP/SSE writes an `event: mcpNotification` frame.
type ProgressEmitter func(ProgressNotification)

// ProgressSink is the per-request Progress Channel (spec.md §4.5): zero or
// more ordered progress() calls, then exactly one complete()/fail() call.
// Every call after the first terminal call is silently dropped — "a
// programming error" per the spec, not a panic.
type ProgressSink struct {
	mu       sync.Mutex
	closed   bool
	emit     ProgressEmitter
	outcome  chan Outcome
	dropped  int
	onDrop   func()
}

// NewProgressSink constructs a ProgressSink bound to a single request.
// emit may be nil (handlers that never call SendProgress still work).
func NewProgressSink(emit ProgressEmitter) *ProgressSink {
	return &ProgressSink{
		emit:    emit,
		outcome: make(chan Outcome, 1),
	}
}

// Progress delivers one progress notification. Calls that arrive after the
// sink has already reached a terminal state are dropped (and counted, for
// tests/diagnostics via Dropped()).
func (s *ProgressSink) Progress(n ProgressNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		if s.onDrop != nil {
			s.onDrop()
		}
		return
	}
	if s.emit != nil {
		s.emit(n)
	}
}

// Complete delivers the terminal success outcome and closes the sink.
func (s *ProgressSink) Complete(result any) {
	s.terminal(Outcome{Result: result})
}

// Fail delivers the terminal error outcome and closes the sink.
func (s *ProgressSink) Fail(err *jsonrpcerr.Error) {
	s.terminal(Outcome{Err: err})
}

func (s *ProgressSink) terminal(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		if s.onDrop != nil {
			s.onDrop()
		}
		return
	}
	s.closed = true
	s.outcome <- o
	close(s.outcome)
}

// Outcome blocks until the terminal outcome is available. Returns false if
// the channel was closed without ever receiving one (should not happen in
// correct dispatcher usage, since the dispatcher always calls Complete or
// Fail exactly once).
func (s *ProgressSink) Outcome() (Outcome, bool) {
	o, ok := <-s.outcome
	return o, ok
}

// OutcomeChan exposes the sink's terminal channel directly, so a caller can
// select on it alongside a cancellation signal instead of blocking in
// Outcome (the dispatcher races this against ctx.Done() to enforce the
// per-request timeout, spec.md §4.3 guard 3).
func (s *ProgressSink) OutcomeChan() <-chan Outcome {
	return s.outcome
}

// Dropped reports how many progress/terminal calls arrived after closure —
// used by tests to assert the dispatcher never double-terminates.
func (s *ProgressSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ProgressFrame is the wire shape of a `notifications/progress` params
// object (spec.md §4.5): transports marshal this into an SSE
// `event: mcpNotification` frame or a stdio notification line.
//
// ProgressToken is raw JSON, not a string: spec.md §3 defines the token as
// *equal to* the originating request id, and request ids are themselves
// either a JSON number or a JSON string. Carrying it as json.RawMessage
// lets a numeric id (e.g. 7) round-trip as "progressToken":7 instead of
// being coerced into "progressToken":"7".
type ProgressFrame struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Content       []ContentItem   `json:"content"`
	IsFinal       bool            `json:"isFinal"`
}

// BuildProgressFrame converts a ProgressNotification plus the originating
// request id into the wire `notifications/progress` params object. The
// notification's own fields are serialized into content[0].text, per
// spec.md §4.5's "content:[{type:'text', text:serialize(payload)}]".
//
// requestID is the raw JSON text of the originating request id (Call.RequestID,
// e.g. `7` or `"abc"`); it is carried through verbatim rather than
// re-encoded, so the progress token's wire type always matches the id's.
func BuildProgressFrame(requestID string, n ProgressNotification) ProgressFrame {
	text, err := json.Marshal(n)
	if err != nil {
		text = []byte(`{}`)
	}
	token := json.RawMessage(requestID)
	if len(token) == 0 {
		token = json.RawMessage("null")
	}
	return ProgressFrame{
		ProgressToken: token,
		Content:       []ContentItem{{Type: "text", Text: string(text)}},
		IsFinal:       n.IsFinal,
	}
}
