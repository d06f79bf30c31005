package ptybackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// Local is a session.Backend that spawns and owns a real local PTY master
// via github.com/creack/pty, running the child process directly on the
// host instead of inside a sandboxed container.
type Local struct {
	id      domain.SessionID
	command string
	cmdArgs []string

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	cols   int
	rows   int
	closed bool

	scrollback *scrollback
	events     chan domain.DomainEvent
	log        *slog.Logger
}

// LocalConfig configures a Local backend's child process.
type LocalConfig struct {
	Command         string
	Args            []string
	Cwd             string
	Cols, Rows      int
	ScrollbackBytes int
}

// NewLocal spawns command as a child of a fresh PTY and starts its reader
// loop. The returned backend is immediately usable.
func NewLocal(id domain.SessionID, cfg LocalConfig, log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", cfg.Command, err)
	}

	l := &Local{
		id:         id,
		command:    cfg.Command,
		cmdArgs:    cfg.Args,
		ptmx:       ptmx,
		cmd:        cmd,
		cols:       cfg.Cols,
		rows:       cfg.Rows,
		scrollback: newScrollback(cfg.ScrollbackBytes),
		events:     make(chan domain.DomainEvent, 256),
		log:        log.With("session_id", id, "backend", "local_pty"),
	}

	go l.readLoop()
	return l, nil
}

func (l *Local) Events() <-chan domain.DomainEvent { return l.events }

// readLoop is the single most spec-critical piece of this backend: it must
// distinguish a transient would-block (no data yet, process still alive)
// from a true EOF (process exited, master closed). Treating both the same
// way means Ctrl-C / 0x03 termination goes undetected until something else
// notices, so the exit check below always runs on a read error.
func (l *Local) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := l.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.scrollback.Write(chunk)
			l.emit(domain.PtyOutput(l.id, chunk))
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			l.onExit(err)
			return
		}
	}
}

func (l *Local) onExit(readErr error) {
	exitCode, hasCode := 0, false
	if l.cmd.Process != nil {
		state, waitErr := l.cmd.Process.Wait()
		if waitErr == nil && state != nil && state.Exited() {
			exitCode, hasCode = state.ExitCode(), true
		}
	}
	l.log.Info("pty child exited", "read_err", readErr, "exit_code", exitCode, "has_code", hasCode)
	l.emit(domain.PtyExit(l.id, exitCode, hasCode))
	close(l.events)
}

func (l *Local) emit(e domain.DomainEvent) {
	defer func() { recover() }() // events channel may already be closed during shutdown races
	l.events <- e
}

func (l *Local) Send(_ context.Context, input []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.ErrSendFailed
	}
	if _, err := l.ptmx.Write(input); err != nil {
		return fmt.Errorf("write pty input: %w", err)
	}
	return nil
}

func (l *Local) Resize(cols, rows int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cols, l.rows = cols, rows
	if l.closed {
		return nil
	}
	return pty.Setsize(l.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Reset always respawns a fresh child process: a dead shell isn't useful to
// resume, and portable_pty's own mock backend follows the same policy of
// starting a brand new child per session rather than reviving one.
func (l *Local) Reset(_ context.Context) error {
	l.mu.Lock()
	cmd := exec.Command(l.command, l.cmdArgs...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(l.cols), Rows: uint16(l.rows)})
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("respawn pty: %w", err)
	}

	old := l.ptmx
	l.ptmx = ptmx
	l.cmd = cmd
	l.scrollback.Reset()
	l.mu.Unlock()

	_ = old.Close()
	go l.readLoop()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ptmx := l.ptmx
	cmd := l.cmd
	l.mu.Unlock()

	var err error
	if cmd.Process != nil {
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = killErr
		}
	}
	if closeErr := ptmx.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Scrollback implements session.ScrollbackProvider.
func (l *Local) Scrollback() []byte { return l.scrollback.Bytes() }

// Size implements session.ScrollbackProvider.
func (l *Local) Size() (cols, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cols, l.rows
}

var _ io.Closer = (*Local)(nil)
