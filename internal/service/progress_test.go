package service

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/evolv3ai/kuzumem-mcp/internal/jsonrpcerr"
)

func TestProgressSink_OrderedThenTerminal(t *testing.T) {
	t.Parallel()

	var emitted []ProgressNotification
	sink := NewProgressSink(func(n ProgressNotification) {
		emitted = append(emitted, n)
	})

	sink.Progress(ProgressNotification{Status: "initializing", Message: "starting"})
	sink.Progress(ProgressNotification{Status: "in_progress", Message: "working"})
	sink.Complete(map[string]any{"ok": true})

	if len(emitted) != 2 {
		t.Fatalf("got %d notifications, want 2", len(emitted))
	}
	if emitted[0].Message != "starting" || emitted[1].Message != "working" {
		t.Errorf("notifications out of order: %+v", emitted)
	}

	outcome, ok := sink.Outcome()
	if !ok {
		t.Fatal("expected an outcome")
	}
	if outcome.Err != nil {
		t.Fatalf("unexpected error outcome: %v", outcome.Err)
	}
}

func TestProgressSink_DropsAfterTerminal(t *testing.T) {
	t.Parallel()

	sink := NewProgressSink(nil)
	sink.Complete("first")
	sink.Complete("second")
	sink.Progress(ProgressNotification{Message: "too late"})
	sink.Fail(jsonrpcerr.Internal("too late"))

	if sink.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", sink.Dropped())
	}

	outcome, ok := sink.Outcome()
	if !ok {
		t.Fatal("expected an outcome")
	}
	if outcome.Result != "first" {
		t.Errorf("outcome.Result = %v, want %q (first terminal call wins)", outcome.Result, "first")
	}
}

func TestBuildProgressFrame_NumericRequestIDStaysNumeric(t *testing.T) {
	t.Parallel()

	frame := BuildProgressFrame("7", ProgressNotification{Status: "in_progress"})
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"progressToken":7`) {
		t.Errorf("frame = %s, want a numeric progressToken (S3)", data)
	}
}

func TestBuildProgressFrame_StringRequestIDStaysQuoted(t *testing.T) {
	t.Parallel()

	frame := BuildProgressFrame(`"abc"`, ProgressNotification{Status: "in_progress"})
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"progressToken":"abc"`) {
		t.Errorf("frame = %s, want a quoted string progressToken", data)
	}
}

func TestProgressSink_FailDeliversError(t *testing.T) {
	t.Parallel()

	sink := NewProgressSink(nil)
	sink.Fail(jsonrpcerr.MethodNotFound("does-not-exist"))

	outcome, ok := sink.Outcome()
	if !ok {
		t.Fatal("expected an outcome")
	}
	if outcome.Err == nil || outcome.Err.Code != jsonrpcerr.CodeMethodNotFound {
		t.Errorf("outcome.Err = %+v, want CodeMethodNotFound", outcome.Err)
	}
}
