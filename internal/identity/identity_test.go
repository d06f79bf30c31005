package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareAssignsClientIDCookie(t *testing.T) {
	var gotID string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = string(ClientIDFromContext(r.Context()))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)

	if gotID == "" {
		t.Fatal("expected a client id to be assigned")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != ClientCookieName {
		t.Fatalf("expected one %s cookie, got %+v", ClientCookieName, cookies)
	}
}

func TestMiddlewareReusesExistingCookie(t *testing.T) {
	var firstID, secondID string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstID = string(ClientIDFromContext(r.Context()))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	cookie := rec.Result().Cookies()[0]

	h2 := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondID = string(ClientIDFromContext(r.Context()))
	}))
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	h2.ServeHTTP(httptest.NewRecorder(), req2)

	if firstID != secondID {
		t.Fatalf("expected client id to persist across requests: %q != %q", firstID, secondID)
	}
}

func TestTabIDFromRequestFallsBackOnInvalidValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "not a valid tab id!!")

	if got := tabIDFromRequest(req); got != DefaultTabID {
		t.Fatalf("expected fallback to default tab id, got %q", got)
	}
}

func TestTabIDFromRequestAcceptsValidHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "tab-42")

	if got := tabIDFromRequest(req); got != "tab-42" {
		t.Fatalf("got %q, want tab-42", got)
	}
}
