package shield

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func authHandler(validate KeyValidator, exclude ...string) http.Handler {
	return RequireAPIKey(validate, exclude...)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRequireAPIKeyRejectsMissingKey(t *testing.T) {
	// WHAT: No X-API-Key header answers 401 with a WWW-Authenticate
	// challenge and never reaches the handler.
	// WHY: The gate is the whole point; a silent pass-through would leave
	// every endpoint open.
	h := authHandler(func(context.Context, string) error { return nil })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "ApiKey" {
		t.Errorf("WWW-Authenticate: got %q", got)
	}
}

func TestRequireAPIKeyRejectsInvalidKey(t *testing.T) {
	// WHAT: A key the validator refuses answers 401.
	h := authHandler(func(context.Context, string) error { return errors.New("unknown key") })
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-API-Key", "mdwb_bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
}

func TestRequireAPIKeyPassesValidKey(t *testing.T) {
	// WHAT: A key the validator accepts reaches the handler, and the
	// validator sees the presented plaintext.
	var seen string
	h := authHandler(func(_ context.Context, key string) error {
		seen = key
		return nil
	})
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-API-Key", "mdwb_0123456789abcdef0123456789abcdef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if seen != "mdwb_0123456789abcdef0123456789abcdef" {
		t.Errorf("validator saw %q", seen)
	}
}

func TestRequireAPIKeyExcludedPaths(t *testing.T) {
	// WHAT: Excluded paths stay open without any key.
	// WHY: Health checks and scrapers cannot carry credentials.
	h := authHandler(func(context.Context, string) error { return errors.New("no") },
		"/healthz", "/metrics")
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, rec.Code)
		}
	}
}
