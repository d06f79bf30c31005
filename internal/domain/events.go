package domain

// EventKind names a DomainEvent variant.
type EventKind string

const (
	EventSessionCreated       EventKind = "session_created"
	EventSessionStateChanged  EventKind = "session_state_changed"
	EventSessionRemoved       EventKind = "session_removed"
	EventOwnershipTransferred EventKind = "ownership_transferred"

	EventTextDelta      EventKind = "text_delta"
	EventThinkingDelta  EventKind = "thinking_delta"
	EventToolUseStart   EventKind = "tool_use_start"
	EventToolInputDelta EventKind = "tool_input_delta"
	EventToolResult     EventKind = "tool_result"
	EventPermissionReq  EventKind = "permission_request"
	EventTurnComplete   EventKind = "turn_complete"
	EventError          EventKind = "error_event"

	EventPtyOutput EventKind = "pty_output"
	EventPtyExit   EventKind = "pty_exit"
	EventPtyResize EventKind = "pty_resize"

	EventClientConnected    EventKind = "client_connected"
	EventClientDisconnected EventKind = "client_disconnected"
)

// DomainEvent is the closed tagged union broadcast by the event bus. As with
// SessionState, every variant is carried by one flat struct rather than by an
// interface-per-variant hierarchy, since the whole value must serialize to
// the wire protocol's JSON envelope uniformly (see transport.ServerMessage).
type DomainEvent struct {
	Kind      EventKind `json:"kind"`
	SessionID SessionID `json:"session_id,omitempty"`

	// Session lifecycle.
	Name      string    `json:"name,omitempty"`
	State     *SessionState `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	NewOwner  ClientID  `json:"new_owner,omitempty"`

	// Agent stream.
	Text          string `json:"text,omitempty"`
	ToolID        string `json:"tool_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ToolDelta     string `json:"tool_delta,omitempty"`
	ToolOutput    string `json:"tool_output,omitempty"`
	ToolIsError   bool   `json:"tool_is_error,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	ToolDesc      string `json:"tool_description,omitempty"`
	UsageTokens   int64  `json:"usage_tokens,omitempty"`
	Message       string `json:"message,omitempty"`
	Recoverable   bool   `json:"recoverable,omitempty"`

	// PTY stream.
	Bytes    []byte `json:"bytes,omitempty"`
	HasCode  bool   `json:"has_code,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`

	// Connection.
	ClientID ClientID `json:"client_id,omitempty"`
}

// SessionCreated builds the SessionCreated event.
func SessionCreated(id SessionID, name string) DomainEvent {
	return DomainEvent{Kind: EventSessionCreated, SessionID: id, Name: name}
}

// SessionStateChanged builds the SessionStateChanged event.
func SessionStateChanged(id SessionID, state SessionState) DomainEvent {
	return DomainEvent{Kind: EventSessionStateChanged, SessionID: id, State: &state}
}

// SessionRemoved builds the SessionRemoved event.
func SessionRemoved(id SessionID, reason string) DomainEvent {
	return DomainEvent{Kind: EventSessionRemoved, SessionID: id, Reason: reason}
}

// OwnershipTransferred builds the OwnershipTransferred event.
func OwnershipTransferred(id SessionID, newOwner ClientID) DomainEvent {
	return DomainEvent{Kind: EventOwnershipTransferred, SessionID: id, NewOwner: newOwner}
}

// PermissionRequest builds the PermissionRequest agent-stream event.
func PermissionRequest(id SessionID, requestID, tool, description string) DomainEvent {
	return DomainEvent{Kind: EventPermissionReq, SessionID: id, RequestID: requestID, ToolName: tool, ToolDesc: description}
}

// ErrorEvent builds the ErrorEvent agent-stream event.
func ErrorEvent(id SessionID, message string, recoverable bool) DomainEvent {
	return DomainEvent{Kind: EventError, SessionID: id, Message: message, Recoverable: recoverable}
}

// PtyOutput builds a PtyOutput event. bytes is not copied; callers must not
// mutate it after handing it to Publish.
func PtyOutput(id SessionID, bytes []byte) DomainEvent {
	return DomainEvent{Kind: EventPtyOutput, SessionID: id, Bytes: bytes}
}

// PtyExit builds a PtyExit event. hasCode is false for signal-termination.
func PtyExit(id SessionID, code int, hasCode bool) DomainEvent {
	return DomainEvent{Kind: EventPtyExit, SessionID: id, ExitCode: code, HasCode: hasCode}
}

// PtyResize builds a PtyResize event, broadcast after a PTY backend's window
// size changes so other subscribers can match their local rendering.
func PtyResize(id SessionID, cols, rows int) DomainEvent {
	return DomainEvent{Kind: EventPtyResize, SessionID: id, Cols: cols, Rows: rows}
}

// ClientConnected / ClientDisconnected build connection events.
func ClientConnected(id ClientID) DomainEvent    { return DomainEvent{Kind: EventClientConnected, ClientID: id} }
func ClientDisconnected(id ClientID) DomainEvent { return DomainEvent{Kind: EventClientDisconnected, ClientID: id} }

// Envelope is what subscribers receive from the event bus: a DomainEvent
// tagged with the monotonic sequence number assigned at publish time.
type Envelope struct {
	Sequence uint64      `json:"sequence"`
	Event    DomainEvent `json:"event"`
}
