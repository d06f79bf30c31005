// Package identity assigns an opaque, cookie-backed ClientID to each
// connecting browser tab/device, without any server-side user record.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
)

const (
	ClientCookieName    = "shsh_client_id"
	SessionHeaderName   = "X-SHSH-Tab-ID"
	DefaultTabID        = "default"
	clientCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	clientIDKey contextKey = iota
	tabIDKey
)

var (
	clientIDPattern = regexp.MustCompile(`^client_[0-9a-fA-F-]{36}$`)
	tabIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ClientIDFromContext extracts the caller's ClientID from the request context.
func ClientIDFromContext(ctx context.Context) domain.ClientID {
	if v, ok := ctx.Value(clientIDKey).(domain.ClientID); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the per-tab correlation id from the request
// context, used only to disambiguate multiple browser tabs sharing one
// ClientID cookie; it carries no authorization weight.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

func isValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func tabIDFromRequest(r *http.Request) string {
	tid := r.Header.Get(SessionHeaderName)
	if tid == "" {
		tid = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(tid)
}

func getOrCreateClientID(w http.ResponseWriter, r *http.Request, isDev bool) domain.ClientID {
	if c, err := r.Cookie(ClientCookieName); err == nil && isValidClientID(c.Value) {
		setClientCookie(w, c.Value, isDev)
		return domain.ClientID(c.Value)
	}

	id := domain.NewClientID()
	setClientCookie(w, string(id), isDev)
	return id
}

func setClientCookie(w http.ResponseWriter, value string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(clientCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(clientCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware assigns a stable ClientID to each connection and stashes it,
// along with an optional per-tab correlation id, in the request context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getOrCreateClientID(w, r, isDev)
			tabID := tabIDFromRequest(r)

			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			ctx = context.WithValue(ctx, tabIDKey, tabID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
