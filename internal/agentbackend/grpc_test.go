package agentbackend

import (
	"testing"

	"github.com/ashureev/shsh-labs/internal/domain"
)

func TestTranslateEventTextDelta(t *testing.T) {
	de := translateEvent("sess-1", wireEvent{Kind: "text_delta", Text: "hello"})
	if de.Kind != domain.EventTextDelta || de.Text != "hello" {
		t.Fatalf("got %+v", de)
	}
}

func TestTranslateEventPermissionRequest(t *testing.T) {
	de := translateEvent("sess-1", wireEvent{
		Kind:      "permission_request",
		RequestID: "req-1",
		ToolName:  "bash",
		ToolDesc:  "run a command",
	})
	if de.Kind != domain.EventPermissionReq || de.RequestID != "req-1" || de.ToolName != "bash" {
		t.Fatalf("got %+v", de)
	}
}

func TestTranslateEventUnrecognizedKindBecomesRecoverableError(t *testing.T) {
	de := translateEvent("sess-1", wireEvent{Kind: "unknown_thing"})
	if de.Kind != domain.EventError || !de.Recoverable {
		t.Fatalf("expected a recoverable error event, got %+v", de)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := wireRequest{Kind: "input", Text: "ls -la"}

	data, err := c.Marshal(&req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out wireRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != req {
		t.Fatalf("got %+v, want %+v", out, req)
	}
	if c.Name() != "json" {
		t.Fatalf("got codec name %q", c.Name())
	}
}
