package ptybackend

import (
	"context"
	"io"
	"testing"
	"time"

	dockerclient "github.com/docker/docker/client"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// pipeConn adapts an io.Reader/io.Writer pair into the io.ReadWriteCloser
// CreateExecSession returns, so tests can drive exec output without Docker.
type pipeConn struct {
	io.Reader
	io.Writer
	closed chan struct{}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

type mockContainerManager struct {
	conns   []*pipeConn
	writers []io.Writer
	running bool
}

func (m *mockContainerManager) EnsureContainer(ctx context.Context, userID, currentContainerID string, lastSeenAt time.Time, env map[string]string) (string, error) {
	return "container-1", nil
}
func (m *mockContainerManager) StopContainer(ctx context.Context, containerID string) error {
	return nil
}
func (m *mockContainerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	return m.running, nil
}
func (m *mockContainerManager) CreateExecSession(ctx context.Context, containerID string) (string, io.ReadWriteCloser, error) {
	r, w := io.Pipe()
	conn := &pipeConn{Reader: r, Writer: w, closed: make(chan struct{})}
	m.conns = append(m.conns, conn)
	return "exec-1", conn, nil
}
func (m *mockContainerManager) ResizeExecSession(ctx context.Context, execID string, cols, rows uint) error {
	return nil
}
func (m *mockContainerManager) Client() *dockerclient.Client                      { return nil }
func (m *mockContainerManager) EnsureNetwork(ctx context.Context) (string, error) { return "", nil }

func TestDockerBackendRelaysOutput(t *testing.T) {
	mgr := &mockContainerManager{running: true}
	d, err := NewDocker(context.Background(), "sess-1", mgr, "container-1", 0, nil, nil)
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}
	defer d.Close()

	conn := mgr.conns[0]
	go conn.Writer.Write([]byte("container output"))

	select {
	case e := <-d.Events():
		if e.Kind != domain.EventPtyOutput || string(e.Bytes) != "container output" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for relayed output")
	}
}

func TestDockerBackendExitOnConnClose(t *testing.T) {
	mgr := &mockContainerManager{running: false}
	d, err := NewDocker(context.Background(), "sess-2", mgr, "container-1", 0, nil, nil)
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}

	conn := mgr.conns[0]
	go conn.Reader.(*io.PipeReader).CloseWithError(io.EOF)

	select {
	case e := <-d.Events():
		if e.Kind != domain.EventPtyExit {
			t.Fatalf("expected PtyExit, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for PtyExit")
	}
}
