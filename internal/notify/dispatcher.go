package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
)

// Categories recognized by Config.EnabledCategories.
const (
	CategoryPermissionRequest = "permission_request"
	CategoryError             = "error"
	CategorySessionCompleted  = "session_completed"
)

// Config controls which event categories trigger a push and how pushes are
// delivered.
type Config struct {
	HTTPTimeout       time.Duration
	EnabledCategories []string
	VAPIDSubject      string
}

func (c Config) enabled(category string) bool {
	for _, cat := range c.EnabledCategories {
		if cat == category {
			return true
		}
	}
	return false
}

// payload is the JSON body delivered to each push endpoint.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	URL   string `json:"url"`
}

// Dispatcher consumes the event bus and fans out qualifying events as
// VAPID-signed Web Push notifications, dropping anything it can't keep up
// with: a lagging dispatcher resumes at the bus's current sequence rather
// than blocking or crashing the session core.
type Dispatcher struct {
	bus     *eventbus.Bus
	vapid   *KeyManager
	store   *SubscriptionStore
	cfg     Config
	log     *slog.Logger
	client  *http.Client
}

// NewDispatcher builds a Dispatcher. Call Run in its own goroutine.
func NewDispatcher(bus *eventbus.Bus, vapid *KeyManager, store *SubscriptionStore, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		bus:    bus,
		vapid:  vapid,
		store:  store,
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Run subscribes to the event bus and delivers notifications until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe()
	defer sub.Close()

	d.log.Info("notification dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("notification dispatcher shutting down", "reason", ctx.Err())
			return
		case <-sub.Wake():
			d.drain(ctx, sub)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, sub *eventbus.Subscription) {
	for {
		envelopes, lagged := sub.Next(64)
		if lagged {
			d.log.Warn("notification dispatcher lagged, resuming at current sequence")
			sub.Next(0)
			continue
		}
		if len(envelopes) == 0 {
			return
		}
		for _, env := range envelopes {
			if n := d.eventToNotification(env.Event); n != nil {
				d.sendToAll(ctx, *n)
			}
		}
	}
}

// eventToNotification implements the qualifying-event predicate: only
// PermissionRequest, a non-recoverable ErrorEvent, and a transition into
// Finished produce a push.
func (d *Dispatcher) eventToNotification(e domain.DomainEvent) *payload {
	switch e.Kind {
	case domain.EventPermissionReq:
		if !d.cfg.enabled(CategoryPermissionRequest) {
			return nil
		}
		return &payload{
			Title: "needs approval",
			Body:  fmt.Sprintf("%s wants to run %s", e.SessionID, e.ToolName),
			Tag:   string(e.SessionID),
			URL:   deepLink(e.SessionID),
		}
	case domain.EventError:
		if e.Recoverable || !d.cfg.enabled(CategoryError) {
			return nil
		}
		return &payload{
			Title: "session failed",
			Body:  e.Message,
			Tag:   string(e.SessionID),
			URL:   deepLink(e.SessionID),
		}
	case domain.EventSessionStateChanged:
		if e.State == nil || e.State.Kind != domain.StateFinished || !d.cfg.enabled(CategorySessionCompleted) {
			return nil
		}
		return &payload{
			Title: "session completed",
			Body:  fmt.Sprintf("session %s finished", e.SessionID),
			Tag:   string(e.SessionID),
			URL:   deepLink(e.SessionID),
		}
	default:
		return nil
	}
}

func deepLink(id domain.SessionID) string {
	return fmt.Sprintf("/sessions/%s", id)
}

func (d *Dispatcher) sendToAll(ctx context.Context, n payload) {
	subs, err := d.store.List()
	if err != nil {
		d.log.Error("notification dispatcher failed to list subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	var stale []string
	for _, sub := range subs {
		if err := d.sendOne(ctx, sub, n); err != nil {
			if isStaleSubscriptionError(err) {
				d.log.Warn("subscription is stale, marking for removal", "id", sub.ID)
				stale = append(stale, sub.ID)
				continue
			}
			d.log.Warn("failed to deliver notification", "endpoint", sub.Endpoint, "error", err)
		}
	}

	if len(stale) > 0 {
		if err := d.store.CleanupStale(stale); err != nil {
			d.log.Error("failed to clean up stale subscriptions", "error", err)
		}
	}
}

type staleSubscriptionError struct{ statusCode int }

func (e staleSubscriptionError) Error() string {
	return fmt.Sprintf("push endpoint gone (status %d)", e.statusCode)
}

func isStaleSubscriptionError(err error) bool {
	_, ok := err.(staleSubscriptionError)
	return ok
}

func (d *Dispatcher) sendOne(ctx context.Context, sub Subscription, n payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	resp, err := webpush.SendNotification(body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      d.client,
		Subscriber:      d.cfg.VAPIDSubject,
		VAPIDPublicKey:  d.vapid.PublicKey(),
		VAPIDPrivateKey: d.vapid.PrivateKeyBase64(),
		TTL:             30,
	})
	if err != nil {
		return fmt.Errorf("notify: send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return staleSubscriptionError{statusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: push endpoint responded %d", resp.StatusCode)
	}
	return nil
}
