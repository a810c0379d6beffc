package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/signatory/internal/xerrors"
)

// Probe returns nil when healthy and the reason otherwise.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one probe passes.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error = xerrors.New("no healthy probes")
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		return last
	}
}

// MinKeys fails until count reports at least min keys.
func MinKeys(count func() int, min int) CheckFunc {
	return func(context.Context) error {
		if n := count(); n < min {
			return xerrors.Newf("%d keys loaded, need %d", n, min)
		}
		return nil
	}
}

// Fresh fails when the last success reported by last is older than
// maxAge. A zero time means no success yet.
func Fresh(name string, last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		t := last()
		if t.IsZero() {
			return xerrors.Newf("%s has not succeeded yet", name)
		}
		if age := time.Since(t); age > maxAge {
			return xerrors.Newf("%s stale for %s", name, age.Truncate(time.Second))
		}
		return nil
	}
}

// ShutdownGate flips readiness to false while draining.
type ShutdownGate struct {
	mu     sync.RWMutex
	reason string
	closed bool
}

func (g *ShutdownGate) Set(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason == "" {
		reason = "draining"
	}
	g.closed, g.reason = true, reason
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		defer g.mu.RUnlock()
		if g.closed {
			return xerrors.New(g.reason)
		}
		return nil
	}
}

// Handler answers 200 with okBody when p passes and 503 with the reason
// otherwise. A nil probe always passes.
func Handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}
