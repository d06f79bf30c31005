// Package session implements the session manager: the map of sessions, their
// per-session state machines, ownership/subscriber sets, and the backend
// event pumps that feed the event bus.
//
// The map-of-entries-under-an-RWMutex-with-per-entry-mutex discipline
// generalizes the classic SessionManager{mu sync.RWMutex; active
// map[string]map[string]*websocket.Conn} shape from "map of per-user
// connection sets" to "map of per-session actors", each actor serializing
// its own state transitions behind its own mutex.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
)

// ScrollbackProvider is an optional capability a Backend may implement to
// support the PTY attach contract (current scrollback + size).
type ScrollbackProvider interface {
	Scrollback() []byte
	Size() (cols, rows int)
}

// AttachSnapshot is returned to a client on attach: enough state to render
// the session as of attach time and resume subscribing from Sequence.
type AttachSnapshot struct {
	Session    domain.Summary
	Sequence   uint64
	Scrollback []byte
	HasSize    bool
	Cols, Rows int
}

type entry struct {
	mu      sync.Mutex
	session domain.Session
	backend Backend
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the session map and drives every session's state machine.
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry

	bus          *eventbus.Bus
	cleanupGrace time.Duration
	log          *slog.Logger
}

// NewManager creates a Manager publishing to bus. cleanupGrace is the grace
// period before a zero-subscriber session is torn down; zero means immediate.
func NewManager(bus *eventbus.Bus, cleanupGrace time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:     make(map[domain.SessionID]*entry),
		bus:          bus,
		cleanupGrace: cleanupGrace,
		log:          log,
	}
}

// CreateSession registers a new session backed by backend and starts its
// event pump. The returned SessionID is immediately visible to ListSessions
// and Attach.
func (m *Manager) CreateSession(name string, hasName bool, owner domain.ClientID, hasOwner bool, kind domain.BackendKind, backend Backend, cleanupOptOut bool) domain.SessionID {
	id := domain.NewSessionID()
	now := time.Now()

	sess := domain.Session{
		ID:             id,
		Name:           name,
		HasName:        hasName,
		State:          domain.Idle(),
		Backend:        kind,
		CreatedAt:      now,
		LastActivityAt: now,
		CleanupOptOut:  cleanupOptOut,
	}
	if hasOwner {
		sess.Ownership.AddSubscriber(owner)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{session: sess, backend: backend, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	go m.pump(ctx, e)

	m.bus.Publish(domain.SessionCreated(id, name))
	return id
}

// pump forwards backend-produced events into the session's state machine and
// the bus, until the backend's event channel closes or ctx is cancelled.
func (m *Manager) pump(ctx context.Context, e *entry) {
	defer close(e.done)
	events := e.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev.SessionID = e.session.ID
			m.applyBackendEvent(e, ev)
		}
	}
}

// applyBackendEvent updates last_activity_at, applies any implied state
// transition, then publishes the triggering event.
func (m *Manager) applyBackendEvent(e *entry, ev domain.DomainEvent) {
	e.mu.Lock()
	e.session.LastActivityAt = time.Now()

	if next, ok := impliedTransition(ev, e.session.State); ok {
		if err := m.transitionLocked(e, next); err != nil {
			m.log.Warn("rejecting illegal state transition from backend", "session_id", e.session.ID, "error", err)
			e.mu.Unlock()
			m.bus.Publish(domain.ErrorEvent(e.session.ID, err.Error(), false))
			return
		}
	}
	e.mu.Unlock()

	m.bus.Publish(ev)
}

// transitionLocked applies next to e.session.State if legal, publishing
// SessionStateChanged. Caller must hold e.mu.
func (m *Manager) transitionLocked(e *entry, next domain.SessionState) error {
	cur := e.session.State
	if cur.Kind == next.Kind {
		e.session.State = next
		return nil
	}
	if !domain.CanTransition(cur, next) {
		return &domain.ErrInvalidStateTransition{From: cur.Kind, To: next.Kind}
	}
	e.session.State = next
	m.bus.Publish(domain.SessionStateChanged(e.session.ID, next))
	return nil
}

// impliedTransition maps a produced DomainEvent to the state it drives the
// session into, if any.
func impliedTransition(ev domain.DomainEvent, cur domain.SessionState) (domain.SessionState, bool) {
	switch ev.Kind {
	case domain.EventPermissionReq:
		return domain.WaitingForPermission(ev.RequestID, ev.ToolName), true
	case domain.EventError:
		return domain.Failed(ev.Message, ev.Recoverable), true
	case domain.EventTurnComplete:
		return domain.Idle(), true
	case domain.EventPtyExit:
		return domain.Finished(), true
	case domain.EventTextDelta, domain.EventThinkingDelta, domain.EventToolUseStart,
		domain.EventToolInputDelta, domain.EventToolResult:
		if cur.Kind != domain.StateProcessing {
			return domain.Processing(), true
		}
		return domain.SessionState{}, false
	default:
		return domain.SessionState{}, false
	}
}

func (m *Manager) get(id domain.SessionID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// Attach adds client as a subscriber (and owner, if none yet) and returns a
// catch-up snapshot. It never creates a session implicitly; callers that
// want create-on-attach semantics should call CreateSession first and use
// its id.
func (m *Manager) Attach(id domain.SessionID, client domain.ClientID) (AttachSnapshot, error) {
	e, ok := m.get(id)
	if !ok {
		return AttachSnapshot{}, domain.ErrSessionNotFound
	}

	e.mu.Lock()
	e.session.Ownership.AddSubscriber(client)
	e.session.ClearEmptySince()
	summary := e.session.Summarize()
	e.mu.Unlock()

	snap := AttachSnapshot{Session: summary, Sequence: m.bus.CurrentSequence()}
	if sp, ok := e.backend.(ScrollbackProvider); ok {
		snap.Scrollback = sp.Scrollback()
		snap.Cols, snap.Rows = sp.Size()
		snap.HasSize = true
	}
	return snap, nil
}

// Detach removes client as a subscriber of id, running the same ownership
// transfer and zero-subscriber cleanup scheduling as a disconnect. Detach is
// the explicit client-initiated `detach` command and behaves identically to a
// disconnect for a single session.
func (m *Manager) Detach(id domain.SessionID, client domain.ClientID) error {
	e, ok := m.get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	m.removeSubscriber(id, e, client)
	return nil
}

// removeSubscriber applies the ownership-transfer-on-disconnect algorithm for
// a single session and publishes the resulting events after releasing the
// entry lock, grounded on
// original_source/vibes-core/src/session/lifecycle.rs's two-phase
// compute-then-emit shape.
func (m *Manager) removeSubscriber(id domain.SessionID, e *entry, client domain.ClientID) {
	e.mu.Lock()
	newOwner, transferred, becameEmpty := e.session.Ownership.RemoveSubscriber(client)
	if becameEmpty {
		e.session.MarkEmptySince(time.Now())
	}
	optOut := e.session.CleanupOptOut
	e.mu.Unlock()

	if transferred {
		m.bus.Publish(domain.OwnershipTransferred(id, newOwner))
	}
	if becameEmpty && !optOut {
		m.scheduleCleanup(id)
	}
}

// scheduleCleanup tears the session down after the configured grace period,
// unless it regains a subscriber in the meantime.
func (m *Manager) scheduleCleanup(id domain.SessionID) {
	grace := m.cleanupGrace
	doCleanup := func() {
		e, ok := m.get(id)
		if !ok {
			return
		}
		e.mu.Lock()
		_, stillEmpty := e.session.EmptyFor(time.Now())
		e.mu.Unlock()
		if !stillEmpty {
			return
		}
		m.removeSession(id, "no subscribers remaining")
	}
	if grace <= 0 {
		doCleanup()
		return
	}
	time.AfterFunc(grace, doCleanup)
}

// removeSession tears down id's backend and pump, deletes it from the map,
// and publishes SessionRemoved exactly once.
func (m *Manager) removeSession(id domain.SessionID, reason string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.cancel()
	<-e.done
	if err := e.backend.Close(); err != nil {
		m.log.Warn("error closing backend during session removal", "session_id", id, "error", err)
	}
	m.bus.Publish(domain.SessionRemoved(id, reason))
}

// SendInput routes text input to the session's backend. Only the current
// owner may send input; non-owner attempts are rejected with ErrNotOwner
// rather than silently dropped, uniformly for agent and PTY backends.
func (m *Manager) SendInput(ctx context.Context, id domain.SessionID, client domain.ClientID, data []byte) error {
	e, ok := m.get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	if !e.session.Ownership.HasOwner || e.session.Ownership.Owner != client {
		e.mu.Unlock()
		return domain.ErrNotOwner
	}
	if e.session.State.Kind == domain.StateFinished || (e.session.State.Kind == domain.StateFailed && !e.session.State.Recoverable) {
		e.mu.Unlock()
		return &domain.ErrInvalidStateTransition{From: e.session.State.Kind, To: domain.StateProcessing}
	}
	if e.session.Backend == domain.BackendPTY && e.session.State.Kind == domain.StateIdle {
		_ = m.transitionLocked(e, domain.Processing())
	}
	e.mu.Unlock()

	if err := e.backend.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

// Resize forwards a PTY window-size change; only the owner may resize. On
// success it publishes a PtyResize event so other subscribers can adjust
// their local rendering to match.
func (m *Manager) Resize(id domain.SessionID, client domain.ClientID, cols, rows int) error {
	e, ok := m.get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	e.mu.Lock()
	isOwner := e.session.Ownership.HasOwner && e.session.Ownership.Owner == client
	e.mu.Unlock()
	if !isOwner {
		return domain.ErrNotOwner
	}
	if err := e.backend.Resize(cols, rows); err != nil {
		return err
	}
	m.bus.Publish(domain.PtyResize(id, cols, rows))
	return nil
}

// RespondPermission resolves an outstanding WaitingForPermission state and
// forwards the decision to the backend as input bytes it understands (the
// backend-specific encoding of "approved"/"denied" is the backend's concern).
func (m *Manager) RespondPermission(ctx context.Context, id domain.SessionID, client domain.ClientID, requestID string, approved bool) error {
	e, ok := m.get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	if !e.session.Ownership.HasOwner || e.session.Ownership.Owner != client {
		e.mu.Unlock()
		return domain.ErrNotOwner
	}
	if e.session.State.Kind != domain.StateWaitingForPermission {
		e.mu.Unlock()
		return domain.ErrNotWaitingPerm
	}
	if e.session.State.RequestID != requestID {
		e.mu.Unlock()
		return domain.ErrNoSuchRequest
	}
	e.mu.Unlock()

	payload := []byte(fmt.Sprintf(`{"request_id":%q,"approved":%v}`, requestID, approved))
	if err := e.backend.Send(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

// ResetSession restores a session from Failed{recoverable:true} to Idle,
// delegating to the backend's own Reset policy.
func (m *Manager) ResetSession(ctx context.Context, id domain.SessionID) error {
	e, ok := m.get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	if e.session.State.Kind != domain.StateFailed || !e.session.State.Recoverable {
		e.mu.Unlock()
		return domain.ErrNotRecoverable
	}
	e.mu.Unlock()

	if err := e.backend.Reset(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}

	e.mu.Lock()
	_ = m.transitionLocked(e, domain.Idle())
	e.mu.Unlock()
	return nil
}

// KillSession forcibly tears down a session regardless of subscriber count.
func (m *Manager) KillSession(id domain.SessionID) error {
	if _, ok := m.get(id); !ok {
		return domain.ErrSessionNotFound
	}
	m.removeSession(id, "killed")
	return nil
}

// ListSessions returns a point-in-time summary of every live session.
func (m *Manager) ListSessions() []domain.Summary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Summarize())
		e.mu.Unlock()
	}
	return out
}

// HandleDisconnect implements the ownership-transfer-on-disconnect algorithm
// for every session client subscribes to. It is invoked by the transport
// layer when a client's connection closes.
func (m *Manager) HandleDisconnect(client domain.ClientID) {
	m.mu.RLock()
	entries := make(map[domain.SessionID]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.mu.RUnlock()

	for id, e := range entries {
		e.mu.Lock()
		isSubscriber := e.session.Ownership.IsSubscriber(client)
		e.mu.Unlock()
		if isSubscriber {
			m.removeSubscriber(id, e, client)
		}
	}
}

// Backend returns the live backend for id, for callers (the PTY multiplexer,
// notification dispatcher wiring) that need direct access beyond the command
// surface above. Returns nil, false if the session is gone.
func (m *Manager) Backend(id domain.SessionID) (Backend, bool) {
	e, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return e.backend, true
}
