package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/signatory/internal/httpmw"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// first denial already reported; reset on eviction
	logged bool
}

// IPLimiter holds a token bucket per client address.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate allows burst requests at once, refilled at perSecond.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxClients bounds the number of tracked addresses.
func WithMaxClients(n int) Option {
	return func(l *IPLimiter) { l.maxClients = n }
}

// WithOnFirstDenied is called once per client when it is first limited.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied is called for every limited request.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity is called when a new client is refused because the
// table is full.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// New creates a limiter whose eviction loop runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:   make(map[string]*visitor),
		now:        time.Now,
		perSecond:  10,
		burst:      20,
		ttl:        5 * time.Minute,
		maxClients: 10000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

type verdict int

const (
	allowed verdict = iota
	denied
	deniedFirst
	full
)

func (l *IPLimiter) check(ip string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxClients > 0 && len(l.visitors) >= l.maxClients {
			return full
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if v.limiter.AllowN(now, 1) {
		return allowed
	}
	if !v.logged {
		v.logged = true
		return deniedFirst
	}
	return denied
}

// Allow reports whether ip may proceed, running the configured hooks
// outside the lock.
func (l *IPLimiter) Allow(ip string) bool {
	switch l.check(ip) {
	case allowed:
		return true
	case full:
		if l.onCapacity != nil {
			l.onCapacity()
		}
		return false
	case deniedFirst:
		if l.onFirstDenied != nil {
			l.onFirstDenied(ip)
		}
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

// Len returns the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.evict(l.now())
		}
	}
}

// retryAfter is the whole seconds until one token refills.
func (l *IPLimiter) retryAfter() string {
	if l.perSecond <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / float64(l.perSecond))))
}

// Middleware answers 429 for limited clients. The client address comes
// from httpmw.ClientIP, which must run first.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", l.retryAfter())
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
