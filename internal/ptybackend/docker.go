package ptybackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-labs/internal/container"
	"github.com/ashureev/shsh-labs/internal/domain"
)

// Docker is a session.Backend whose child process runs inside a sandboxed
// container exec session instead of directly on the host, adapted from
// container.Manager's CreateExecSession/ResizeExecSession so the same Docker
// client and retry/error-classification logic now hosts session PTYs instead
// of learner playgrounds.
type Docker struct {
	id          domain.SessionID
	mgr         container.Manager
	containerID string

	mu         sync.Mutex
	execID     string
	conn       io.ReadWriteCloser
	cols, rows int
	closed     bool

	scrollback *scrollback
	events     chan domain.DomainEvent
	log        *slog.Logger

	// onActivity, if set, is called after every successful Send/Resize so
	// the caller can keep its container-TTL registry from reaping a
	// container that is still in active use.
	onActivity func()
}

// NewDocker creates an exec session inside containerID and starts reading
// its output. onActivity may be nil.
func NewDocker(ctx context.Context, id domain.SessionID, mgr container.Manager, containerID string, scrollbackBytes int, onActivity func(), log *slog.Logger) (*Docker, error) {
	if log == nil {
		log = slog.Default()
	}

	execID, conn, err := mgr.CreateExecSession(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("create exec session in container %s: %w", containerID, err)
	}

	d := &Docker{
		id:          id,
		mgr:         mgr,
		containerID: containerID,
		execID:      execID,
		conn:        conn,
		scrollback:  newScrollback(scrollbackBytes),
		events:      make(chan domain.DomainEvent, 256),
		onActivity:  onActivity,
		log:         log.With("session_id", id, "backend", "docker_pty", "container_id", containerID),
	}

	go d.readLoop()
	return d, nil
}

func (d *Docker) touch() {
	if d.onActivity != nil {
		d.onActivity()
	}
}

func (d *Docker) Events() <-chan domain.DomainEvent { return d.events }

// readLoop has the same would-block-vs-EOF obligation as Local's: a Docker
// exec attach connection only ever returns a true io.EOF on exec
// termination, never a transient empty read, so no would-block branch is
// needed here -- any read error is treated as the session ending.
func (d *Docker) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.scrollback.Write(chunk)
			d.emit(domain.PtyOutput(d.id, chunk))
		}
		if err != nil {
			d.onExit(err)
			return
		}
	}
}

func (d *Docker) onExit(readErr error) {
	running, checkErr := d.mgr.IsRunning(context.Background(), d.containerID)
	hasCode := false
	exitCode := 0
	if checkErr == nil && !running {
		exitCode, hasCode = 0, true
	}
	d.log.Info("docker exec session ended", "read_err", readErr, "container_running", running)
	d.emit(domain.PtyExit(d.id, exitCode, hasCode))
	close(d.events)
}

func (d *Docker) emit(e domain.DomainEvent) {
	defer func() { recover() }()
	d.events <- e
}

func (d *Docker) Send(_ context.Context, input []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrSendFailed
	}
	if _, err := d.conn.Write(input); err != nil {
		return fmt.Errorf("write exec session input: %w", err)
	}
	d.touch()
	return nil
}

func (d *Docker) Resize(cols, rows int) error {
	d.mu.Lock()
	execID := d.execID
	d.mu.Unlock()
	if err := d.mgr.ResizeExecSession(context.Background(), execID, uint(cols), uint(rows)); err != nil {
		return fmt.Errorf("resize exec session: %w", err)
	}
	d.mu.Lock()
	d.cols, d.rows = cols, rows
	d.mu.Unlock()
	d.touch()
	return nil
}

// Reset always opens a fresh exec session in the same container, mirroring
// Local's always-respawn policy: the old shell is not resumed.
func (d *Docker) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.conn.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		d.log.Warn("failed to close previous exec connection before reset", "error", err)
	}

	execID, conn, err := d.mgr.CreateExecSession(ctx, d.containerID)
	if err != nil {
		return fmt.Errorf("recreate exec session: %w", err)
	}
	d.execID = execID
	d.conn = conn
	d.scrollback.Reset()

	go d.readLoop()
	return nil
}

func (d *Docker) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	d.mu.Unlock()
	return conn.Close()
}

// Scrollback implements session.ScrollbackProvider.
func (d *Docker) Scrollback() []byte { return d.scrollback.Bytes() }

// Size implements session.ScrollbackProvider, reporting the last dimensions
// requested via Resize (zero until the first resize).
func (d *Docker) Size() (cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cols, d.rows
}
