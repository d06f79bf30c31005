package notify

import (
	"testing"

	"github.com/ashureev/shsh-labs/internal/domain"
)

func testDispatcher(categories ...string) *Dispatcher {
	return &Dispatcher{cfg: Config{EnabledCategories: categories}}
}

func TestEventToNotificationPermissionRequest(t *testing.T) {
	d := testDispatcher(CategoryPermissionRequest)
	n := d.eventToNotification(domain.PermissionRequest("sess-1", "req-1", "bash", "run a command"))
	if n == nil {
		t.Fatal("expected a notification")
	}
	if n.Title != "needs approval" {
		t.Fatalf("got title %q", n.Title)
	}
}

func TestEventToNotificationDisabledCategorySkipped(t *testing.T) {
	d := testDispatcher() // nothing enabled
	n := d.eventToNotification(domain.PermissionRequest("sess-1", "req-1", "bash", "run a command"))
	if n != nil {
		t.Fatalf("expected nil, got %+v", n)
	}
}

func TestEventToNotificationRecoverableErrorSkipped(t *testing.T) {
	d := testDispatcher(CategoryError)
	n := d.eventToNotification(domain.ErrorEvent("sess-1", "transient glitch", true))
	if n != nil {
		t.Fatalf("recoverable errors should not notify, got %+v", n)
	}
}

func TestEventToNotificationNonRecoverableError(t *testing.T) {
	d := testDispatcher(CategoryError)
	n := d.eventToNotification(domain.ErrorEvent("sess-1", "out of memory", false))
	if n == nil || n.Title != "session failed" {
		t.Fatalf("got %+v", n)
	}
}

func TestEventToNotificationSessionFinished(t *testing.T) {
	d := testDispatcher(CategorySessionCompleted)
	finished := domain.Finished()
	n := d.eventToNotification(domain.DomainEvent{
		Kind:      domain.EventSessionStateChanged,
		SessionID: "sess-1",
		State:     &finished,
	})
	if n == nil || n.Title != "session completed" {
		t.Fatalf("got %+v", n)
	}
}

func TestEventToNotificationNonFinishedStateSkipped(t *testing.T) {
	d := testDispatcher(CategorySessionCompleted)
	idle := domain.Idle()
	n := d.eventToNotification(domain.DomainEvent{
		Kind:      domain.EventSessionStateChanged,
		SessionID: "sess-1",
		State:     &idle,
	})
	if n != nil {
		t.Fatalf("expected nil for non-finished state, got %+v", n)
	}
}

func TestEventToNotificationUnrelatedKindSkipped(t *testing.T) {
	d := testDispatcher(CategoryPermissionRequest, CategoryError, CategorySessionCompleted)
	n := d.eventToNotification(domain.DomainEvent{Kind: domain.EventTextDelta, SessionID: "sess-1", Text: "hi"})
	if n != nil {
		t.Fatalf("expected nil, got %+v", n)
	}
}
