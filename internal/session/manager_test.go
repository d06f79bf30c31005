package session

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
)

func newTestManager(grace time.Duration) (*Manager, *eventbus.Bus) {
	bus := eventbus.New(256)
	return NewManager(bus, grace, nil), bus
}

// TestListSessionsSeesCreatedSession implements scenario S1.
func TestListSessionsSeesCreatedSession(t *testing.T) {
	m, _ := newTestManager(0)
	backend := newMockBackend()

	id := m.CreateSession("work", true, domain.ClientID("a"), true, domain.BackendAgent, backend, false)

	summaries := m.ListSessions()
	if len(summaries) != 1 {
		t.Fatalf("expected 1 session, got %d", len(summaries))
	}
	if summaries[0].ID != id || summaries[0].Name != "work" {
		t.Fatalf("unexpected summary: %+v", summaries[0])
	}
}

// TestOwnershipTransferOnDisconnect implements scenario S4: A and B attached,
// A is owner, A disconnects, B is promoted and can send input.
func TestOwnershipTransferOnDisconnect(t *testing.T) {
	m, bus := newTestManager(0)
	backend := newMockBackend()

	clientA := domain.ClientID("a")
	clientB := domain.ClientID("b")
	id := m.CreateSession("", false, clientA, true, domain.BackendPTY, backend, false)
	if _, err := m.Attach(id, clientB); err != nil {
		t.Fatalf("attach B: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	m.HandleDisconnect(clientA)

	envs, _ := sub.Next(0)
	found := false
	for _, e := range envs {
		if e.Event.Kind == domain.EventOwnershipTransferred && e.Event.NewOwner == clientB {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected OwnershipTransferred to clientB, got %+v", envs)
	}

	if err := m.SendInput(context.Background(), id, clientB, []byte("shared\n")); err != nil {
		t.Fatalf("B should be able to send input after promotion: %v", err)
	}
	if len(backend.sent) != 1 || string(backend.sent[0]) != "shared\n" {
		t.Fatalf("expected backend to receive input, got %+v", backend.sent)
	}
}

// TestSoleSubscriberDisconnectCleansUpAfterGrace implements the cleanup
// invariant: sole subscriber disconnects and the session is removed within
// the grace window.
func TestSoleSubscriberDisconnectCleansUpAfterGrace(t *testing.T) {
	m, bus := newTestManager(10 * time.Millisecond)
	backend := newMockBackend()
	client := domain.ClientID("solo")
	id := m.CreateSession("", false, client, true, domain.BackendPTY, backend, false)

	sub := bus.Subscribe()
	defer sub.Close()

	m.HandleDisconnect(client)

	deadline := time.After(time.Second)
	removedCount := 0
	for removedCount == 0 {
		select {
		case <-sub.Wake():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for SessionRemoved")
		}
		envs, _ := sub.Next(0)
		for _, e := range envs {
			if e.Event.Kind == domain.EventSessionRemoved && e.Event.SessionID == id {
				removedCount++
			}
		}
		if len(m.ListSessions()) == 0 {
			break
		}
	}

	if len(m.ListSessions()) != 0 {
		t.Fatalf("expected session to be torn down")
	}
}

func TestInvalidStateTransitionIsRejected(t *testing.T) {
	m, bus := newTestManager(0)
	backend := newMockBackend()
	id := m.CreateSession("", false, "", false, domain.BackendAgent, backend, false)

	sub := bus.Subscribe()
	defer sub.Close()

	// TurnComplete leaves the session in Idle.
	backend.events <- domain.DomainEvent{Kind: domain.EventTurnComplete, SessionID: id}
	time.Sleep(10 * time.Millisecond)
	// Now session is Idle. A PermissionRequest would move it to
	// WaitingForPermission, an illegal jump from Idle that the manager must
	// reject since WaitingForPermission is only reachable from Processing.
	backend.events <- domain.DomainEvent{Kind: domain.EventPermissionReq, SessionID: id, RequestID: "r1", ToolName: "bash"}
	time.Sleep(10 * time.Millisecond)

	var sawError bool
	envs, _ := sub.Next(0)
	for _, e := range envs {
		if e.Event.Kind == domain.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected illegal transition to surface as ErrorEvent, got %+v", envs)
	}
}

func TestNonOwnerSendInputRejected(t *testing.T) {
	m, _ := newTestManager(0)
	backend := newMockBackend()
	owner := domain.ClientID("owner")
	other := domain.ClientID("other")
	id := m.CreateSession("", false, owner, true, domain.BackendPTY, backend, false)

	if err := m.SendInput(context.Background(), id, other, []byte("x")); err == nil {
		t.Fatalf("expected non-owner send to be rejected")
	}
	if len(backend.sent) != 0 {
		t.Fatalf("backend should not have received input from non-owner")
	}
}

func TestResizeBroadcastsPtyResizeEvent(t *testing.T) {
	m, bus := newTestManager(0)
	backend := newMockBackend()
	owner := domain.ClientID("owner")
	id := m.CreateSession("", false, owner, true, domain.BackendPTY, backend, false)

	if err := m.Resize(id, owner, 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if len(backend.resized) != 1 || backend.resized[0].Cols != 120 || backend.resized[0].Rows != 40 {
		t.Fatalf("backend did not receive resize: %+v", backend.resized)
	}

	envs, _ := bus.ReplaySince(0, 0)
	found := false
	for _, env := range envs {
		if env.Event.Kind == domain.EventPtyResize && env.Event.Cols == 120 && env.Event.Rows == 40 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a PtyResize event to be published")
	}
}

func TestAttachDetachRoundTripLeavesSubscribersUnchanged(t *testing.T) {
	m, _ := newTestManager(0)
	backend := newMockBackend()
	owner := domain.ClientID("owner")
	visitor := domain.ClientID("visitor")
	id := m.CreateSession("", false, owner, true, domain.BackendPTY, backend, true)

	before := m.ListSessions()[0].Observers

	if _, err := m.Attach(id, visitor); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.Detach(id, visitor); err != nil {
		t.Fatalf("detach: %v", err)
	}

	after := m.ListSessions()[0].Observers
	if before != after {
		t.Fatalf("attach/detach round trip changed subscriber count: before=%d after=%d", before, after)
	}
}
