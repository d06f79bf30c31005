package transport

import (
	"testing"

	"github.com/ashureev/shsh-labs/internal/domain"
)

func TestTranslateEventPtyOutputBase64Encodes(t *testing.T) {
	msg, ok := translateEvent(domain.PtyOutput("sess-1", []byte("hi")))
	if !ok {
		t.Fatal("expected ok")
	}
	if msg.Type != ServerPtyOutput || msg.Data != "aGk=" {
		t.Fatalf("got %+v", msg)
	}
}

func TestTranslateEventSessionCreatedHasNoWireRepresentation(t *testing.T) {
	_, ok := translateEvent(domain.SessionCreated("sess-1", "work"))
	if ok {
		t.Fatal("expected session_created to be filtered out of the per-connection stream")
	}
}

func TestTranslateEventAgentStreamRidesEnvelopeVerbatim(t *testing.T) {
	ev := domain.PermissionRequest("sess-1", "req-1", "bash", "run a command")
	msg, ok := translateEvent(ev)
	if !ok || msg.Type != ServerAgentEvent || msg.Event == nil || msg.Event.RequestID != "req-1" {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
}

func TestTranslateEventSessionStateChangedCarriesState(t *testing.T) {
	msg, ok := translateEvent(domain.SessionStateChanged("sess-1", domain.Processing()))
	if !ok || msg.Type != ServerSessionStateChanged || msg.State == nil || msg.State.Kind != domain.StateProcessing {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
}

func TestTranslateEventPtyResizeCarriesDimensions(t *testing.T) {
	msg, ok := translateEvent(domain.PtyResize("sess-1", 100, 40))
	if !ok || msg.Type != ServerPtyResize || msg.Cols != 100 || msg.Rows != 40 || !msg.HasSize {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
}

func TestConnectionSubscriptionTracking(t *testing.T) {
	c := &connection{subscribed: make(map[domain.SessionID]struct{})}
	c.addSubscription("sess-1")
	if !c.isSubscribed("sess-1") {
		t.Fatal("expected sess-1 to be subscribed")
	}
	c.removeSubscription("sess-1")
	if c.isSubscribed("sess-1") {
		t.Fatal("expected sess-1 to no longer be subscribed")
	}
}
