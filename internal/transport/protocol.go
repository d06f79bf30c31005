// Package transport adapts the session broker core to a websocket wire
// protocol: one long-lived connection per client carrying a typed JSON
// envelope.
package transport

import (
	"encoding/json"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// ClientMessage is the envelope for every Client -> Core message. Only the
// fields relevant to Type are populated; unused fields are omitted on the
// wire.
type ClientMessage struct {
	Type string `json:"type"`

	RequestID string `json:"request_id,omitempty"`

	SessionID  domain.SessionID   `json:"session_id,omitempty"`
	SessionIDs []domain.SessionID `json:"session_ids,omitempty"`

	Name string `json:"name,omitempty"`
	Cwd  string `json:"cwd,omitempty"`

	// Backend selects the concrete backend a create_session call spawns:
	// "pty" (default) or "agent". AgentAddress is the target gRPC address
	// when Backend is "agent".
	Backend      string `json:"backend,omitempty"`
	AgentAddress string `json:"agent_address,omitempty"`

	Content string `json:"content,omitempty"`
	Data    string `json:"data,omitempty"` // base64-encoded PTY bytes

	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	Approved bool `json:"approved,omitempty"`
	CatchUp  bool `json:"catch_up,omitempty"`
}

const (
	ClientCreateSession      = "create_session"
	ClientListSessions       = "list_sessions"
	ClientAttach             = "attach"
	ClientDetach             = "detach"
	ClientInput              = "input"
	ClientPtyInput           = "pty_input"
	ClientPtyResize          = "pty_resize"
	ClientPermissionResponse = "permission_response"
	ClientKillSession        = "kill_session"
	ClientResetSession       = "reset_session"
	ClientSubscribe          = "subscribe"
	ClientUnsubscribe        = "unsubscribe"
)

// ServerMessage is the envelope for every Core -> Client message.
type ServerMessage struct {
	Type string `json:"type"`

	RequestID string `json:"request_id,omitempty"`

	SessionID domain.SessionID `json:"session_id,omitempty"`
	Name      string           `json:"name,omitempty"`

	Sessions []domain.Summary `json:"sessions,omitempty"`

	Event *domain.DomainEvent `json:"event,omitempty"`

	Data     string `json:"data,omitempty"` // base64-encoded PTY bytes
	ExitCode int    `json:"exit_code,omitempty"`
	HasCode  bool   `json:"has_code,omitempty"`

	// Cols/Rows/HasSize report a PTY backend's current viewport, sent on
	// attach (so the client can match its local terminal size) and on
	// pty_resize broadcasts (so other subscribers can follow a resize made
	// by the owner).
	Cols    int  `json:"cols,omitempty"`
	Rows    int  `json:"rows,omitempty"`
	HasSize bool `json:"has_size,omitempty"`

	State *domain.SessionState `json:"state,omitempty"`

	YouAreOwner bool `json:"you_are_owner,omitempty"`

	Reason string `json:"reason,omitempty"`

	ClientID domain.ClientID `json:"client_id,omitempty"`
	TabID    string          `json:"tab_id,omitempty"`

	Message string           `json:"message,omitempty"`
	Code    domain.ErrorCode `json:"code,omitempty"`
}

const (
	ServerAuthContext          = "auth_context"
	ServerSessionCreated       = "session_created"
	ServerSessionList          = "session_list"
	ServerSubscribeAck         = "subscribe_ack"
	ServerAgentEvent           = "claude"
	ServerPtyOutput            = "pty_output"
	ServerPtyExit              = "pty_exit"
	ServerPtyResize            = "pty_resize"
	ServerSessionStateChanged  = "session_state_changed"
	ServerOwnershipTransferred = "ownership_transferred"
	ServerSessionRemoved       = "session_removed"
	ServerError                = "error"
)

func decode(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

func encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// errorMessage builds a `error` server message from err, classifying it into
// a wire error code via domain.CodeFor.
func errorMessage(sessionID domain.SessionID, err error) ServerMessage {
	return ServerMessage{
		Type:      ServerError,
		SessionID: sessionID,
		Message:   err.Error(),
		Code:      domain.CodeFor(err),
	}
}
