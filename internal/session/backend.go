package session

import (
	"context"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// Backend produces a stream of domain events for one session and accepts an
// input stream. Concrete backends (local PTY, sandboxed PTY, streaming gRPC
// agent) live in internal/ptybackend and internal/agentbackend; the Manager
// only ever talks to this interface, keeping transport plumbing out of the
// state machine the same way a narrow processor interface keeps a caller
// decoupled from its transport.
type Backend interface {
	// Events returns the channel of events this backend produces for its
	// session. The channel is closed when the backend is done (after a
	// terminal PtyExit/ErrorEvent or on Close); TurnComplete does not close it.
	Events() <-chan domain.DomainEvent

	// Send delivers input bytes to the backend. For PTY backends this is a
	// raw write to the master; for agent backends it is the next turn's
	// message text.
	Send(ctx context.Context, input []byte) error

	// Resize notifies a PTY-backed backend of a window size change. Non-PTY
	// backends return nil.
	Resize(cols, rows int) error

	// Reset is invoked when a session transitions Failed{recoverable:true}
	// -> Idle. The backend decides whether to reuse or respawn its
	// underlying process; the core takes no position on reuse-vs-respawn.
	Reset(ctx context.Context) error

	// Close tears down the backend's resources. Idempotent.
	Close() error
}
