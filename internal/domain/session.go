package domain

import (
	"fmt"
	"time"
)

// StateKind names a SessionState variant.
type StateKind string

const (
	StateIdle                 StateKind = "idle"
	StateProcessing           StateKind = "processing"
	StateWaitingForInput      StateKind = "waiting_for_input"
	StateWaitingForPermission StateKind = "waiting_for_permission"
	StateFinished             StateKind = "finished"
	StateFailed               StateKind = "failed"
)

// SessionState is a closed tagged union over the session's lifecycle phases.
// Only the fields relevant to Kind are populated; this follows a flat
// struct-with-discriminant style (similar to a Response's Type field) rather
// than an interface-per-variant, since every variant here is tiny and the
// whole value needs to round-trip through JSON on the wire.
type SessionState struct {
	Kind StateKind `json:"kind"`

	// WaitingForPermission fields.
	RequestID string `json:"request_id,omitempty"`
	Tool      string `json:"tool,omitempty"`

	// Failed fields.
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

func Idle() SessionState       { return SessionState{Kind: StateIdle} }
func Processing() SessionState { return SessionState{Kind: StateProcessing} }
func WaitingForInput() SessionState { return SessionState{Kind: StateWaitingForInput} }

func WaitingForPermission(requestID, tool string) SessionState {
	return SessionState{Kind: StateWaitingForPermission, RequestID: requestID, Tool: tool}
}

func Finished() SessionState { return SessionState{Kind: StateFinished} }

func Failed(message string, recoverable bool) SessionState {
	return SessionState{Kind: StateFailed, Message: message, Recoverable: recoverable}
}

// ErrInvalidStateTransition is returned when a requested transition is not
// reachable from the current state per the legalNext table below.
type ErrInvalidStateTransition struct {
	From, To StateKind
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// legalNext enumerates the states reachable from each state, per the
// transition table. Failed is special-cased below because its legality
// also depends on the Recoverable flag.
var legalNext = map[StateKind]map[StateKind]bool{
	StateIdle:                 {StateProcessing: true},
	StateProcessing:           {StateIdle: true, StateWaitingForInput: true, StateWaitingForPermission: true, StateFinished: true, StateFailed: true},
	StateWaitingForInput:      {StateProcessing: true, StateFinished: true},
	StateWaitingForPermission: {StateProcessing: true, StateFailed: true},
	StateFinished:             {},
	StateFailed:               {}, // resolved dynamically: only Idle, and only if Recoverable.
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from SessionState, to SessionState) bool {
	if from.Kind == StateFailed {
		return from.Recoverable && to.Kind == StateIdle
	}
	return legalNext[from.Kind][to.Kind]
}

// Ownership tracks who may drive a session (owner) and who receives its events
// (subscribers, a superset containing owner per invariant 2).
type Ownership struct {
	Owner       ClientID
	HasOwner    bool
	Subscribers []ClientID // insertion order; earliest-joined first, per deterministic transfer policy.
}

// IsSubscriber reports whether id is currently a subscriber.
func (o *Ownership) IsSubscriber(id ClientID) bool {
	for _, s := range o.Subscribers {
		if s == id {
			return true
		}
	}
	return false
}

// AddSubscriber appends id to subscribers if not already present, and makes it
// owner if there is currently none.
func (o *Ownership) AddSubscriber(id ClientID) {
	if !o.IsSubscriber(id) {
		o.Subscribers = append(o.Subscribers, id)
	}
	if !o.HasOwner {
		o.Owner = id
		o.HasOwner = true
	}
}

// RemoveSubscriber drops id from subscribers. If id was the owner and other
// subscribers remain, the earliest-joined remaining subscriber is promoted
// and returned as newOwner (transferred=true). If no subscribers remain, becameEmpty
// is true.
func (o *Ownership) RemoveSubscriber(id ClientID) (newOwner ClientID, transferred bool, becameEmpty bool) {
	wasOwner := o.HasOwner && o.Owner == id

	for i, s := range o.Subscribers {
		if s == id {
			o.Subscribers = append(o.Subscribers[:i], o.Subscribers[i+1:]...)
			break
		}
	}

	if len(o.Subscribers) == 0 {
		o.HasOwner = false
		o.Owner = ""
		return "", false, true
	}

	if wasOwner {
		o.Owner = o.Subscribers[0]
		o.HasOwner = true
		return o.Owner, true, false
	}

	return "", false, false
}

// BackendKind distinguishes the two families of backend a session can carry.
type BackendKind string

const (
	BackendPTY   BackendKind = "pty"
	BackendAgent BackendKind = "agent"
)

// Session is the central broker entity. Mutations to State and Ownership must
// go through the owning session.Manager entry lock; Session itself holds no
// lock so it can be copied freely for read-only snapshots (see Snapshot).
type Session struct {
	ID        SessionID
	Name      string
	HasName   bool
	State     SessionState
	Backend   BackendKind
	Ownership Ownership

	CreatedAt      time.Time
	LastActivityAt time.Time

	// CleanupOptOut, when true, exempts the session from the zero-subscriber
	// grace-period sweep (for long-running streaming-agent jobs).
	CleanupOptOut bool

	// emptySince records when Subscribers last became empty, for the cleanup
	// sweep's grace-period calculation. Zero value means "not currently empty".
	emptySince time.Time
}

// Summary is the read-only projection returned by list_sessions.
type Summary struct {
	ID        SessionID    `json:"session_id"`
	Name      string       `json:"name,omitempty"`
	State     SessionState `json:"state"`
	Owner     ClientID     `json:"owner,omitempty"`
	Observers int          `json:"observer_count"`
}

func (s *Session) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Name:      s.Name,
		State:     s.State,
		Owner:     s.Ownership.Owner,
		Observers: len(s.Ownership.Subscribers),
	}
}

// MarkEmptySince and EmptyFor support the cleanup sweep; they are only ever
// called while the caller holds the session's lock (enforced by session.entry).
func (s *Session) MarkEmptySince(t time.Time) { s.emptySince = t }
func (s *Session) EmptyFor(now time.Time) (time.Duration, bool) {
	if s.emptySince.IsZero() {
		return 0, false
	}
	return now.Sub(s.emptySince), true
}
func (s *Session) ClearEmptySince() { s.emptySince = time.Time{} }
