package httpserver_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signatory/internal/health"
	"github.com/keithlinneman/signatory/internal/httpserver"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/metrics"
)

func newHandler(t *testing.T, panics *int) (http.Handler, *metrics.ServerMetrics) {
	t.Helper()
	m := metrics.New()
	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		Health:       health.Fixed(true, ""),
		Readiness:    health.Fixed(true, ""),
		UseRecoverMW: true,
		OnPanic:      func() { *panics++ },
		MetricsMW:    m.Middleware,
		MaxBodyBytes: 16,
		Routes: func(r chi.Router) {
			r.Post("/v1/echo", func(w http.ResponseWriter, r *http.Request) {
				b, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"body": string(b)})
			})
			r.Get("/v1/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
		},
	})
	return h, m
}

func TestNewHandler_Stack(t *testing.T) {
	var panics int
	h, _ := newHandler(t, &panics)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader("hi")))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"body":"hi"`) {
		t.Fatalf("echo: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id not echoed")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestNewHandler_BodyLimit(t *testing.T) {
	var panics int
	h, _ := newHandler(t, &panics)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(strings.Repeat("x", 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "request body too large" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestNewHandler_Probes(t *testing.T) {
	var panics int
	h, _ := newHandler(t, &panics)
	for _, p := range []string{"/-/healthy", "/-/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", p, rec.Code)
		}
	}
}

func TestNewHandler_RecoversPanics(t *testing.T) {
	var panics int
	h, _ := newHandler(t, &panics)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/panic", nil))
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status %d, panics %d", rec.Code, panics)
	}
	// headers set before the panic still reach the client
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers lost on panic")
	}
}

func TestNewHandler_MetricsSeeRoutePattern(t *testing.T) {
	var panics int
	h, m := newHandler(t, &panics)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader("a")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `route="/v1/echo"`) {
		t.Fatalf("route label missing:\n%s", rec.Body.String())
	}
}
