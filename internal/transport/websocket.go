package transport

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/session"
)

// CreateOptions carries a create_session request's backend-selection fields
// through to a BackendFactory.
type CreateOptions struct {
	Name         string
	Cwd          string
	Backend      string // "pty" (default) or "agent"
	AgentAddress string
}

// BackendFactory builds the backend for a newly created session. The id
// passed to the factory is generated by the transport layer and is distinct
// from the id Manager.CreateSession assigns: Manager.pump stamps every
// event's SessionID with the manager's id before publishing, while a factory
// may use the factory id to name per-session resources (the sandboxed
// backend uses it as the container owner id).
type BackendFactory func(ctx context.Context, id domain.SessionID, opts CreateOptions) (backend session.Backend, kind domain.BackendKind, cleanupOptOut bool, err error)

// Handler upgrades HTTP connections to the broker's websocket protocol, one
// connection per client carrying a typed JSON envelope that can address an
// arbitrary number of attached sessions over the same socket.
type Handler struct {
	mgr           *session.Manager
	bus           *eventbus.Bus
	newBackend    BackendFactory
	allowedOrigin string
	isDev         bool
	log           *slog.Logger
}

// NewHandler creates a websocket Handler.
func NewHandler(mgr *session.Manager, bus *eventbus.Bus, newBackend BackendFactory, allowedOrigin string, isDev bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{mgr: mgr, bus: bus, newBackend: newBackend, allowedOrigin: allowedOrigin, isDev: isDev, log: log}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.log.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP implements http.Handler for the websocket upgrade endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	h.log.Info("websocket connection request", "client_id", clientID, "tab_id", tabID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Error("failed to accept websocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			h.log.Debug("failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		ws:         ws,
		clientID:   clientID,
		tabID:      tabID,
		mgr:        h.mgr,
		bus:        h.bus,
		newBackend: h.newBackend,
		log:        h.log,
		out:        make(chan ServerMessage, 256),
		subscribed: make(map[domain.SessionID]struct{}),
	}
	defer h.mgr.HandleDisconnect(clientID)

	c.send(ServerMessage{Type: ServerAuthContext, ClientID: clientID, TabID: tabID})

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.eventLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()

	wg.Wait()
	h.log.Info("websocket connection closed", "client_id", clientID)
}

// connection holds per-connection state: the set of sessions it currently
// subscribes to, and the outbound message queue feeding the single writer
// goroutine (coder/websocket connections are not safe for concurrent writers).
type connection struct {
	ws         *websocket.Conn
	clientID   domain.ClientID
	tabID      string
	mgr        *session.Manager
	bus        *eventbus.Bus
	newBackend BackendFactory
	log        *slog.Logger

	out chan ServerMessage

	mu         sync.Mutex
	subscribed map[domain.SessionID]struct{}
}

func (c *connection) send(msg ServerMessage) {
	select {
	case c.out <- msg:
	default:
		c.log.Warn("dropping server message, connection outbox full", "client_id", c.clientID, "type", msg.Type)
	}
}

func (c *connection) addSubscription(id domain.SessionID) {
	c.mu.Lock()
	c.subscribed[id] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) removeSubscription(id domain.SessionID) {
	c.mu.Lock()
	delete(c.subscribed, id)
	c.mu.Unlock()
}

func (c *connection) isSubscribed(id domain.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[id]
	return ok
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			data, err := encode(msg)
			if err != nil {
				c.log.Error("failed to encode server message", "error", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					c.log.Debug("websocket write error", "error", err, "client_id", c.clientID)
				}
				return
			}
		}
	}
}

// eventLoop drains the bus and forwards events for subscribed sessions until
// ctx is cancelled, the same Subscribe/Wake/drain shape used by the
// notification dispatcher and event journal.
func (c *connection) eventLoop(ctx context.Context) {
	sub := c.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Wake():
			c.drain(ctx, sub)
		}
	}
}

func (c *connection) drain(ctx context.Context, sub *eventbus.Subscription) {
	for {
		envelopes, lagged := sub.Next(128)
		if lagged {
			c.log.Warn("websocket subscriber lagged, resuming at earliest retained sequence", "client_id", c.clientID)
		}
		if len(envelopes) == 0 {
			return
		}
		for _, env := range envelopes {
			if !c.isSubscribed(env.Event.SessionID) {
				continue
			}
			if msg, ok := translateEvent(env.Event); ok {
				if msg.Type == ServerOwnershipTransferred {
					msg.YouAreOwner = env.Event.NewOwner == c.clientID
				}
				c.send(msg)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// translateEvent maps a domain event to its wire representation. ok is false
// for connection-only events (client connect/disconnect) that have no client
// -facing representation.
func translateEvent(ev domain.DomainEvent) (ServerMessage, bool) {
	switch ev.Kind {
	case domain.EventSessionStateChanged:
		return ServerMessage{Type: ServerSessionStateChanged, SessionID: ev.SessionID, State: ev.State}, true
	case domain.EventOwnershipTransferred:
		return ServerMessage{Type: ServerOwnershipTransferred, SessionID: ev.SessionID}, true
	case domain.EventSessionRemoved:
		return ServerMessage{Type: ServerSessionRemoved, SessionID: ev.SessionID, Reason: ev.Reason}, true
	case domain.EventPtyOutput:
		return ServerMessage{Type: ServerPtyOutput, SessionID: ev.SessionID, Data: base64.StdEncoding.EncodeToString(ev.Bytes)}, true
	case domain.EventPtyExit:
		return ServerMessage{Type: ServerPtyExit, SessionID: ev.SessionID, ExitCode: ev.ExitCode, HasCode: ev.HasCode}, true
	case domain.EventPtyResize:
		return ServerMessage{Type: ServerPtyResize, SessionID: ev.SessionID, Cols: ev.Cols, Rows: ev.Rows, HasSize: true}, true
	case domain.EventSessionCreated, domain.EventClientConnected, domain.EventClientDisconnected:
		return ServerMessage{}, false
	default:
		// Agent stream events (text/thinking deltas, tool use, permission
		// requests, turn completion, errors) ride the envelope verbatim.
		e := ev
		return ServerMessage{Type: ServerAgentEvent, SessionID: ev.SessionID, Event: &e}, true
	}
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.log.Warn("websocket read error", "error", err, "client_id", c.clientID)
			}
			return
		}

		msg, err := decode(raw)
		if err != nil {
			c.send(ServerMessage{Type: ServerError, Message: "malformed message", Code: domain.CodeInternal})
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *connection) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case ClientCreateSession:
		c.handleCreateSession(ctx, msg)
	case ClientListSessions:
		c.handleListSessions(msg)
	case ClientAttach:
		c.handleAttach(msg)
	case ClientDetach:
		c.handleDetach(msg)
	case ClientInput:
		c.handleInput(ctx, msg)
	case ClientPtyInput:
		c.handlePtyInput(ctx, msg)
	case ClientPtyResize:
		c.handlePtyResize(msg)
	case ClientPermissionResponse:
		c.handlePermissionResponse(ctx, msg)
	case ClientKillSession:
		c.handleKillSession(msg)
	case ClientResetSession:
		c.handleResetSession(ctx, msg)
	case ClientSubscribe:
		c.handleSubscribe(msg)
	case ClientUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.send(ServerMessage{Type: ServerError, Message: "unknown message type: " + msg.Type, Code: domain.CodeInternal})
	}
}

func (c *connection) handleCreateSession(ctx context.Context, msg ClientMessage) {
	backendID := domain.NewSessionID()
	opts := CreateOptions{Name: msg.Name, Cwd: msg.Cwd, Backend: msg.Backend, AgentAddress: msg.AgentAddress}
	backend, kind, cleanupOptOut, err := c.newBackend(ctx, backendID, opts)
	if err != nil {
		c.send(ServerMessage{Type: ServerError, RequestID: msg.RequestID, Message: err.Error(), Code: domain.CodeInternal})
		return
	}

	id := c.mgr.CreateSession(msg.Name, msg.Name != "", c.clientID, true, kind, backend, cleanupOptOut)
	c.addSubscription(id)
	c.send(ServerMessage{Type: ServerSessionCreated, RequestID: msg.RequestID, SessionID: id, Name: msg.Name})
}

func (c *connection) handleListSessions(msg ClientMessage) {
	c.send(ServerMessage{Type: ServerSessionList, RequestID: msg.RequestID, Sessions: c.mgr.ListSessions()})
}

func (c *connection) handleAttach(msg ClientMessage) {
	snap, err := c.mgr.Attach(msg.SessionID, c.clientID)
	if err != nil {
		c.send(errorMessage(msg.SessionID, err))
		return
	}
	c.addSubscription(msg.SessionID)

	c.send(ServerMessage{
		Type:      ServerSessionStateChanged,
		SessionID: msg.SessionID,
		State:     &snap.Session.State,
		Cols:      snap.Cols,
		Rows:      snap.Rows,
		HasSize:   snap.HasSize,
	})
	if len(snap.Scrollback) > 0 {
		c.send(ServerMessage{Type: ServerPtyOutput, SessionID: msg.SessionID, Data: base64.StdEncoding.EncodeToString(snap.Scrollback)})
	}
}

func (c *connection) handleDetach(msg ClientMessage) {
	if err := c.mgr.Detach(msg.SessionID, c.clientID); err != nil {
		c.send(errorMessage(msg.SessionID, err))
		return
	}
	c.removeSubscription(msg.SessionID)
}

func (c *connection) handleInput(ctx context.Context, msg ClientMessage) {
	if err := c.mgr.SendInput(ctx, msg.SessionID, c.clientID, []byte(msg.Content)); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handlePtyInput(ctx context.Context, msg ClientMessage) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.send(ServerMessage{Type: ServerError, SessionID: msg.SessionID, Message: "invalid base64 data", Code: domain.CodeInternal})
		return
	}
	if err := c.mgr.SendInput(ctx, msg.SessionID, c.clientID, data); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handlePtyResize(msg ClientMessage) {
	if err := c.mgr.Resize(msg.SessionID, c.clientID, msg.Cols, msg.Rows); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handlePermissionResponse(ctx context.Context, msg ClientMessage) {
	if err := c.mgr.RespondPermission(ctx, msg.SessionID, c.clientID, msg.RequestID, msg.Approved); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handleKillSession(msg ClientMessage) {
	if err := c.mgr.KillSession(msg.SessionID); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handleResetSession(ctx context.Context, msg ClientMessage) {
	if err := c.mgr.ResetSession(ctx, msg.SessionID); err != nil {
		c.send(errorMessage(msg.SessionID, err))
	}
}

func (c *connection) handleSubscribe(msg ClientMessage) {
	for _, id := range msg.SessionIDs {
		if _, err := c.mgr.Attach(id, c.clientID); err != nil {
			c.send(errorMessage(id, err))
			continue
		}
		c.addSubscription(id)
	}
	if msg.CatchUp {
		c.catchUp(msg.SessionIDs)
	}
	c.send(ServerMessage{Type: ServerSubscribeAck})
}

// catchUp replays the bus's full retained history filtered to ids, for
// clients that subscribed after missing earlier activity.
func (c *connection) catchUp(ids []domain.SessionID) {
	want := make(map[domain.SessionID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	envelopes, _ := c.bus.ReplaySince(0, 0)
	for _, env := range envelopes {
		if _, ok := want[env.Event.SessionID]; !ok {
			continue
		}
		if msg, ok := translateEvent(env.Event); ok {
			c.send(msg)
		}
	}
}

func (c *connection) handleUnsubscribe(msg ClientMessage) {
	for _, id := range msg.SessionIDs {
		c.removeSubscription(id)
	}
}
