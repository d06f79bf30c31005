package domain

import "errors"

// ErrorCode is one of the wire-level codes surfaced to clients in the
// `error` message.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodeSendFailed       ErrorCode = "SEND_FAILED"
	CodePermissionFailed ErrorCode = "PERMISSION_FAILED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Sentinel errors classified by the transport layer into wire error codes.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoSuchRequest     = errors.New("no matching permission request")
	ErrNotOwner          = errors.New("client is not the session owner")
	ErrSendFailed        = errors.New("failed to deliver input to backend")
	ErrNotWaitingPerm    = errors.New("session is not waiting for permission")
	ErrNotRecoverable    = errors.New("session is not in a recoverable failed state")
)

// CodeFor classifies err into a wire-level ErrorCode for the `error` message.
// Errors unknown to this classifier are treated as internal faults.
func CodeFor(err error) ErrorCode {
	var transitionErr *ErrInvalidStateTransition
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoSuchRequest):
		return CodeNotFound
	case errors.Is(err, ErrNotWaitingPerm), errors.Is(err, ErrNotRecoverable), errors.As(err, &transitionErr):
		return CodeInvalidState
	case errors.Is(err, ErrNotOwner):
		return CodePermissionFailed
	case errors.Is(err, ErrSendFailed):
		return CodeSendFailed
	default:
		return CodeInternal
	}
}
