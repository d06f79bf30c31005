// Package domain defines the core entities of the session broker: sessions,
// their state machine, and the domain events published about them.
package domain

import "github.com/google/uuid"

// SessionID opaquely identifies a session for the lifetime of the process.
type SessionID string

// ClientID opaquely identifies a connected client for the lifetime of the process.
type ClientID string

// NewSessionID generates a fresh, process-unique session identifier.
func NewSessionID() SessionID {
	return SessionID("sess_" + uuid.NewString())
}

// NewClientID generates a fresh, process-unique client identifier.
func NewClientID() ClientID {
	return ClientID("client_" + uuid.NewString())
}
