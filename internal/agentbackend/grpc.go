// Package agentbackend bridges an external streaming agent process to the
// session core over gRPC, emitting domain.DomainEvents for one session at a
// time. It has no generated protobuf client: the stream carries plain JSON
// messages framed by gRPC via a custom codec (see codec.go), so the service
// method is addressed by name rather than through a protoc-generated stub.
package agentbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/shsh-labs/internal/domain"
)

var (
	errConnectionShutdown       = errors.New("agentbackend: connection shutdown")
	errConnectionStateUnchanged = errors.New("agentbackend: connection state did not change")
)

const streamMethod = "/shsh.agent.AgentService/StreamSession"

var streamDesc = grpc.StreamDesc{
	StreamName:    "StreamSession",
	ServerStreams: true,
	ClientStreams: true,
}

// Config holds connection parameters for the streaming agent backend.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns sane defaults for connecting to a local agent process.
func DefaultConfig(addr string) Config {
	if addr == "" {
		addr = "localhost:50051"
	}
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Agent is a session.Backend that bridges to an external agent process over
// a single bidirectional gRPC stream.
type Agent struct {
	id   domain.SessionID
	cfg  Config
	conn *grpc.ClientConn

	mu           sync.Mutex
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
	closed       bool

	events chan domain.DomainEvent
	log    *slog.Logger
}

// New dials the agent process and opens a session stream.
func New(ctx context.Context, id domain.SessionID, cfg Config, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("agentbackend: dial %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("agentbackend: agent at %s not ready: %w", cfg.Address, err)
	}

	a := &Agent{
		id:     id,
		cfg:    cfg,
		conn:   conn,
		events: make(chan domain.DomainEvent, 64),
		log:    log,
	}

	if err := a.openStream(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go a.readLoop()
	return a, nil
}

// openStream replaces the current stream with a fresh one, cancelling the
// previous stream's context first so a readLoop blocked on its RecvMsg
// unblocks and picks up the replacement on its next iteration.
func (a *Agent) openStream(parent context.Context) error {
	streamCtx, cancel := context.WithCancel(parent)
	stream, err := a.conn.NewStream(streamCtx, &streamDesc, streamMethod, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		cancel()
		return fmt.Errorf("agentbackend: open stream: %w", err)
	}

	if a.streamCancel != nil {
		a.streamCancel()
	}
	a.stream = stream
	a.streamCancel = cancel
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Events implements session.Backend.
func (a *Agent) Events() <-chan domain.DomainEvent { return a.events }

func (a *Agent) readLoop() {
	defer close(a.events)

	for {
		a.mu.Lock()
		stream := a.stream
		a.mu.Unlock()
		if stream == nil {
			return
		}

		var evt wireEvent
		err := stream.RecvMsg(&evt)
		if err != nil {
			a.mu.Lock()
			replaced := a.stream != stream
			closed := a.closed
			a.mu.Unlock()
			if replaced {
				// Reset swapped in a new stream; this one was cancelled
				// deliberately. Loop again to pick up the replacement.
				continue
			}
			if closed || errors.Is(err, io.EOF) {
				a.emit(domain.ErrorEvent(a.id, "agent stream closed", false))
				return
			}
			a.log.Warn("agentbackend stream recv error", "session_id", a.id, "error", err)
			a.emit(domain.ErrorEvent(a.id, err.Error(), false))
			return
		}

		a.emit(translateEvent(a.id, evt))
	}
}

func translateEvent(id domain.SessionID, evt wireEvent) domain.DomainEvent {
	de := domain.DomainEvent{SessionID: id}
	switch evt.Kind {
	case "text_delta":
		de.Kind = domain.EventTextDelta
		de.Text = evt.Text
	case "thinking_delta":
		de.Kind = domain.EventThinkingDelta
		de.Text = evt.Text
	case "tool_use_start":
		de.Kind = domain.EventToolUseStart
		de.ToolID = evt.ToolID
		de.ToolName = evt.ToolName
	case "tool_input_delta":
		de.Kind = domain.EventToolInputDelta
		de.ToolID = evt.ToolID
		de.ToolDelta = evt.ToolDelta
	case "tool_result":
		de.Kind = domain.EventToolResult
		de.ToolID = evt.ToolID
		de.ToolOutput = evt.ToolOutput
		de.ToolIsError = evt.ToolIsError
	case "permission_request":
		de.Kind = domain.EventPermissionReq
		de.RequestID = evt.RequestID
		de.ToolName = evt.ToolName
		de.ToolDesc = evt.ToolDesc
	case "turn_complete":
		de.Kind = domain.EventTurnComplete
		de.UsageTokens = evt.UsageTokens
	case "error":
		de.Kind = domain.EventError
		de.Message = evt.Message
		de.Recoverable = evt.Recoverable
	default:
		de.Kind = domain.EventError
		de.Message = fmt.Sprintf("unrecognized agent event kind %q", evt.Kind)
		de.Recoverable = true
	}
	return de
}

func (a *Agent) emit(e domain.DomainEvent) {
	defer func() { recover() }()
	a.events <- e
}

// Send implements session.Backend: it forwards input text as the next turn.
func (a *Agent) Send(ctx context.Context, input []byte) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()
	if closed || stream == nil {
		return fmt.Errorf("agentbackend: session %s stream not open", a.id)
	}

	if err := stream.SendMsg(&wireRequest{Kind: "input", Text: string(input)}); err != nil {
		return fmt.Errorf("agentbackend: send input: %w", err)
	}
	return nil
}

// Resize is a no-op: the streaming agent backend has no terminal geometry.
func (a *Agent) Resize(int, int) error { return nil }

// Reset closes the current stream and opens a fresh one, mirroring the
// always-respawn policy used by the PTY backends.
func (a *Agent) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("agentbackend: session %s closed", a.id)
	}
	if a.stream != nil {
		_ = a.stream.SendMsg(&wireRequest{Kind: "reset"})
	}
	_ = ctx // the new stream outlives this call; it is not derived from ctx.
	return a.openStream(context.Background())
}

// Close tears down the gRPC connection. Idempotent.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.streamCancel != nil {
		a.streamCancel()
	}
	return a.conn.Close()
}
