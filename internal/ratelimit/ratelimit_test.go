package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/signatory/internal/httpmw"
)

func newTest(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, opts...)
}

func TestAllow_BurstThenDeny(t *testing.T) {
	var first, all atomic.Int32
	l := newTest(t,
		WithRate(0.001, 3),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { all.Add(1) }),
	)
	for i := 0; i < 3; i++ {
		if !l.Allow("192.0.2.1") {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	for i := 0; i < 3; i++ {
		if l.Allow("192.0.2.1") {
			t.Fatal("request over burst allowed")
		}
	}
	if first.Load() != 1 || all.Load() != 3 {
		t.Fatalf("first=%d all=%d, want 1 and 3", first.Load(), all.Load())
	}
	if !l.Allow("192.0.2.2") {
		t.Fatal("other client affected")
	}
}

func TestAllow_Refill(t *testing.T) {
	l := newTest(t, WithRate(1, 1))
	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time { return clock }

	if !l.Allow("a") || l.Allow("a") {
		t.Fatal("expected allow then deny")
	}
	clock = clock.Add(1100 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("token not refilled after one second")
	}
}

func TestAllow_Capacity(t *testing.T) {
	var full atomic.Int32
	l := newTest(t, WithMaxClients(2), WithOnCapacity(func() { full.Add(1) }))
	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Fatal("new client admitted past capacity")
	}
	if !l.Allow("a") {
		t.Fatal("known client refused at capacity")
	}
	if full.Load() != 1 {
		t.Fatalf("capacity hook called %d times", full.Load())
	}
}

func TestEvict(t *testing.T) {
	l := newTest(t, WithTTL(time.Minute))
	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time { return clock }
	l.Allow("old")
	clock = clock.Add(50 * time.Second)
	l.Allow("new")

	l.evict(clock.Add(30 * time.Second))
	if l.Len() != 1 {
		t.Fatalf("Len() = %d after eviction, want 1", l.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l := newTest(t, WithRate(0.5, 1))
	var served int
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { served++ })))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/keys/a/sign", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if served != 1 {
		t.Fatalf("served = %d", served)
	}
}
