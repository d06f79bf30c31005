package transport

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/shsh-labs/internal/eventbus"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/middleware"
	"github.com/ashureev/shsh-labs/internal/notify"
	"github.com/ashureev/shsh-labs/internal/session"
)

// NewRouter assembles the broker's HTTP surface: the global middleware
// chain, the websocket upgrade endpoint, health, and the web push
// subscription endpoints.
func NewRouter(mgr *session.Manager, bus *eventbus.Bus, newBackend BackendFactory, pushStore *notify.SubscriptionStore, vapid *notify.KeyManager, allowedOrigin string, isDev bool, log *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{allowedOrigin}))
	r.Use(identity.Middleware(isDev))

	health := NewHealthHandler(mgr)
	health.RegisterHealth(r)

	ws := NewHandler(mgr, bus, newBackend, allowedOrigin, isDev, log)
	r.Get("/ws", ws.ServeHTTP)

	if pushStore != nil && vapid != nil {
		push := NewPushHandler(pushStore, vapid)
		push.RegisterRoutes(r)
	}

	return r
}
