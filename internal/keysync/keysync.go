// Package keysync keeps a KeyRing in step with its key store. A Syncer
// polls the store on an interval, imports new labels, drops labels that
// were deleted and backs off exponentially while the store is
// unreachable.
package keysync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/keystore"
)

const (
	DefaultPollInterval = time.Minute

	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollChanged
	pollListError    // store unreachable; back off
	pollPartialError // listed, but some keys failed to import
)

// Ring is the part of *signatory.KeyRing the syncer drives.
type Ring interface {
	Sync(ctx context.Context, ks keystore.KeyStore) (signatory.SyncResult, error)
}

// Metrics is implemented by internal/metrics.
type Metrics interface {
	IncSyncPolls()
	IncSyncError(errType string)
	AddSyncChanges(added, removed int)
	ObserveSyncDuration(seconds float64)
	SetSyncLastSuccess(unixSeconds float64)
	SetSyncStale(stale bool)
}

type Options struct {
	Logger       log.Logger
	Ring         Ring
	Store        keystore.KeyStore
	PollInterval time.Duration

	// StaleThreshold is how long listing may keep failing before the
	// syncer reports itself stale. Zero means 10 poll intervals.
	StaleThreshold time.Duration

	Metrics Metrics

	// OnChange runs on the poll goroutine after keys were added or
	// removed. Panics are logged and swallowed.
	OnChange func(signatory.SyncResult)
}

type Syncer struct {
	ring     Ring
	store    keystore.KeyStore
	logger   log.Logger
	interval time.Duration
	metrics  Metrics
	onChange func(signatory.SyncResult)

	consecutiveErrs int

	staleThreshold time.Duration
	startedAt      time.Time    // staleness baseline until the first success
	lastSuccess    atomic.Int64 // unix nanos
	staleLogged    bool

	polls, changes int64
}

// New creates a Syncer. Call Run to start polling.
func New(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 10 * interval
	}
	s := &Syncer{
		ring:           opts.Ring,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       interval,
		metrics:        opts.Metrics,
		onChange:       opts.OnChange,
		staleThreshold: stale,
		startedAt:      time.Now(),
	}
	return s
}

// LastSuccess is the time of the last successful listing, or zero.
// Safe to call from any goroutine.
func (s *Syncer) LastSuccess() time.Time {
	n := s.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MarkSynced records a successful load performed outside the loop, such
// as the initial import at startup.
func (s *Syncer) MarkSynced(t time.Time) {
	s.lastSuccess.Store(t.UnixNano())
	if s.metrics != nil {
		s.metrics.SetSyncLastSuccess(float64(t.Unix()))
	}
}

// Run polls until ctx is cancelled and returns ctx.Err().
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "key syncer starting", "poll_interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "key syncer stopping",
				"reason", ctx.Err(),
				"polls", s.polls,
				"changes", s.changes,
			)
			return ctx.Err()
		case <-ticker.C:
			res := s.checkOnce(ctx)
			if next, changed := s.schedule(ctx, res); changed {
				ticker.Reset(next)
			}
			s.trackStaleness(ctx, res)
		}
	}
}

// schedule updates the backoff state and reports the next tick interval
// when it differs from the current one.
func (s *Syncer) schedule(ctx context.Context, res pollResult) (time.Duration, bool) {
	if res == pollListError {
		s.consecutiveErrs++
		d := s.backoffDuration()
		s.logger.Warn(ctx, "key syncer: backing off",
			"consecutive_errors", s.consecutiveErrs,
			"next_poll_in", d.String(),
		)
		return d, true
	}
	if s.consecutiveErrs > 0 {
		s.logger.Info(ctx, "key syncer: recovered", "had_consecutive_errors", s.consecutiveErrs)
		s.consecutiveErrs = 0
		return s.interval, true
	}
	return 0, false
}

func (s *Syncer) trackStaleness(ctx context.Context, res pollResult) {
	if res != pollListError {
		if s.staleLogged {
			s.logger.Info(ctx, "key syncer: staleness recovered")
			s.staleLogged = false
			if s.metrics != nil {
				s.metrics.SetSyncStale(false)
			}
		}
		return
	}
	if s.staleLogged {
		return
	}
	last := s.LastSuccess()
	msg := "last successful key store listing was %s ago"
	if last.IsZero() {
		last = s.startedAt
		msg = "key store has not been listed successfully in %s"
	}
	if time.Since(last) <= s.staleThreshold {
		return
	}
	s.logger.Error(ctx, fmt.Errorf(msg, time.Since(last).Truncate(time.Second)),
		"key syncer: key ring may be out of date",
	)
	s.staleLogged = true
	if s.metrics != nil {
		s.metrics.SetSyncStale(true)
	}
}

// checkOnce runs one sync cycle.
func (s *Syncer) checkOnce(ctx context.Context) pollResult {
	s.polls++
	if s.metrics != nil {
		s.metrics.IncSyncPolls()
	}

	start := time.Now()
	res, err := s.ring.Sync(ctx, s.store)
	if s.metrics != nil {
		s.metrics.ObserveSyncDuration(time.Since(start).Seconds())
	}

	if errors.Is(err, signatory.ErrListKeyStore) {
		s.logger.Error(ctx, err, "key syncer: listing key store failed")
		if s.metrics != nil {
			s.metrics.IncSyncError("list")
		}
		return pollListError
	}
	s.MarkSynced(time.Now())

	result := pollNoChange
	if n := len(res.Added) + len(res.Removed); n > 0 {
		result = pollChanged
		s.changes += int64(n)
		added := make([]string, len(res.Added))
		for i, k := range res.Added {
			added[i] = k.Label
		}
		s.logger.Info(ctx, "key syncer: key ring updated", "added", added, "removed", res.Removed)
		if s.metrics != nil {
			s.metrics.AddSyncChanges(len(res.Added), len(res.Removed))
		}
		s.notify(ctx, res)
	}

	if err != nil {
		s.logger.Error(ctx, err, "key syncer: some keys could not be imported")
		if s.metrics != nil {
			s.metrics.IncSyncError("import")
		}
		return pollPartialError
	}
	return result
}

func (s *Syncer) notify(ctx context.Context, res signatory.SyncResult) {
	if s.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("OnChange panic: %v", r), "key syncer: OnChange callback panicked, continuing")
		}
	}()
	s.onChange(res)
}

// backoffDuration doubles the interval per consecutive error, capped at
// maxBackoff. It never polls faster than the configured interval.
func (s *Syncer) backoffDuration() time.Duration {
	d := s.interval
	for i := 0; i < s.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return max(s.interval, min(d, maxBackoff))
}
