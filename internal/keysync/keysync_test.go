package keysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/signatory"
	"github.com/keithlinneman/signatory/keystore"
	"github.com/keithlinneman/signatory/signature"
)

type fakeRing struct {
	mu    sync.Mutex
	res   signatory.SyncResult
	err   error
	calls int
}

func (f *fakeRing) Sync(context.Context, keystore.KeyStore) (signatory.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeRing) set(res signatory.SyncResult, err error) {
	f.mu.Lock()
	f.res, f.err = res, err
	f.mu.Unlock()
}

type fakeMetrics struct {
	polls, added, removed int
	errs                  map[string]int
	lastSuccess           float64
	stale                 bool
}

func (m *fakeMetrics) IncSyncPolls() { m.polls++ }
func (m *fakeMetrics) IncSyncError(t string) {
	if m.errs == nil {
		m.errs = map[string]int{}
	}
	m.errs[t]++
}
func (m *fakeMetrics) AddSyncChanges(a, r int)      { m.added += a; m.removed += r }
func (m *fakeMetrics) ObserveSyncDuration(float64)  {}
func (m *fakeMetrics) SetSyncLastSuccess(v float64) { m.lastSuccess = v }
func (m *fakeMetrics) SetSyncStale(stale bool)      { m.stale = stale }

var listErr = errors.Join(signatory.ErrListKeyStore, errors.New("connection refused"))

func TestCheckOnce_NoChange(t *testing.T) {
	ring := &fakeRing{}
	m := &fakeMetrics{}
	s := New(Options{Ring: ring, Metrics: m})

	if got := s.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("result = %v, want no change", got)
	}
	if m.polls != 1 || s.LastSuccess().IsZero() || m.lastSuccess == 0 {
		t.Fatalf("polls=%d lastSuccess=%v metric=%v", m.polls, s.LastSuccess(), m.lastSuccess)
	}
}

func TestCheckOnce_ChangedNotifies(t *testing.T) {
	ring := &fakeRing{res: signatory.SyncResult{
		Added:   []signatory.KeyInfo{{Label: "new"}},
		Removed: []string{"old", "older"},
	}}
	m := &fakeMetrics{}
	var got signatory.SyncResult
	s := New(Options{Ring: ring, Metrics: m, OnChange: func(r signatory.SyncResult) { got = r }})

	if res := s.checkOnce(t.Context()); res != pollChanged {
		t.Fatalf("result = %v, want changed", res)
	}
	if len(got.Added) != 1 || len(got.Removed) != 2 {
		t.Fatalf("OnChange got %+v", got)
	}
	if m.added != 1 || m.removed != 2 {
		t.Fatalf("metrics added=%d removed=%d", m.added, m.removed)
	}
}

func TestCheckOnce_ListError(t *testing.T) {
	ring := &fakeRing{err: listErr}
	m := &fakeMetrics{}
	s := New(Options{Ring: ring, Metrics: m})

	if res := s.checkOnce(t.Context()); res != pollListError {
		t.Fatalf("result = %v, want list error", res)
	}
	if !s.LastSuccess().IsZero() {
		t.Fatal("list failure must not count as success")
	}
	if m.errs["list"] != 1 {
		t.Fatalf("errs = %v", m.errs)
	}
}

func TestCheckOnce_PartialError(t *testing.T) {
	ring := &fakeRing{
		res: signatory.SyncResult{Added: []signatory.KeyInfo{{Label: "ok"}}},
		err: errors.New("signatory: load \"bad\": decode failed"),
	}
	m := &fakeMetrics{}
	s := New(Options{Ring: ring, Metrics: m})

	if res := s.checkOnce(t.Context()); res != pollPartialError {
		t.Fatalf("result = %v, want partial error", res)
	}
	if s.LastSuccess().IsZero() {
		t.Fatal("listing succeeded; LastSuccess should be set")
	}
	if m.added != 1 || m.errs["import"] != 1 {
		t.Fatalf("added=%d errs=%v", m.added, m.errs)
	}
}

func TestCheckOnce_OnChangePanicRecovered(t *testing.T) {
	ring := &fakeRing{res: signatory.SyncResult{Removed: []string{"k"}}}
	s := New(Options{Ring: ring, OnChange: func(signatory.SyncResult) { panic("boom") }})

	if res := s.checkOnce(t.Context()); res != pollChanged {
		t.Fatalf("result = %v", res)
	}
}

func TestBackoffDuration(t *testing.T) {
	s := New(Options{Ring: &fakeRing{}, PollInterval: 30 * time.Second})
	cases := []struct {
		errs int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, maxBackoff},
		{50, maxBackoff},
	}
	for _, tc := range cases {
		s.consecutiveErrs = tc.errs
		if got := s.backoffDuration(); got != tc.want {
			t.Errorf("errs=%d: got %v, want %v", tc.errs, got, tc.want)
		}
	}
}

func TestBackoffDuration_IntervalAboveCap(t *testing.T) {
	s := New(Options{Ring: &fakeRing{}, PollInterval: 10 * time.Minute})
	for _, errs := range []int{0, 1, 5} {
		s.consecutiveErrs = errs
		if got := s.backoffDuration(); got != 10*time.Minute {
			t.Errorf("errs=%d: got %v, want the poll interval", errs, got)
		}
	}
}

func TestSchedule_BackoffAndRecovery(t *testing.T) {
	s := New(Options{Ring: &fakeRing{}, PollInterval: time.Second})
	ctx := t.Context()

	if d, changed := s.schedule(ctx, pollListError); !changed || d != 2*time.Second {
		t.Fatalf("first error: d=%v changed=%v", d, changed)
	}
	if d, changed := s.schedule(ctx, pollListError); !changed || d != 4*time.Second {
		t.Fatalf("second error: d=%v changed=%v", d, changed)
	}
	if d, changed := s.schedule(ctx, pollNoChange); !changed || d != time.Second {
		t.Fatalf("recovery: d=%v changed=%v", d, changed)
	}
	if _, changed := s.schedule(ctx, pollChanged); changed {
		t.Fatal("steady state should not reset the ticker")
	}
	if _, changed := s.schedule(ctx, pollPartialError); changed {
		t.Fatal("import errors should not back off")
	}
}

func TestTrackStaleness(t *testing.T) {
	m := &fakeMetrics{}
	s := New(Options{Ring: &fakeRing{}, Metrics: m, StaleThreshold: time.Minute})
	ctx := t.Context()

	s.lastSuccess.Store(time.Now().Add(-30 * time.Second).UnixNano())
	s.trackStaleness(ctx, pollListError)
	if m.stale {
		t.Fatal("stale within threshold")
	}

	s.lastSuccess.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	s.trackStaleness(ctx, pollListError)
	if !m.stale || !s.staleLogged {
		t.Fatal("expected stale")
	}

	s.trackStaleness(ctx, pollNoChange)
	if m.stale || s.staleLogged {
		t.Fatal("expected recovery")
	}
}

func TestTrackStaleness_NeverSynced(t *testing.T) {
	m := &fakeMetrics{}
	s := New(Options{Ring: &fakeRing{}, Metrics: m, StaleThreshold: time.Minute})
	ctx := t.Context()

	s.trackStaleness(ctx, pollListError)
	if m.stale {
		t.Fatal("stale right after start")
	}

	s.startedAt = time.Now().Add(-2 * time.Minute)
	s.trackStaleness(ctx, pollListError)
	if !m.stale || !s.staleLogged {
		t.Fatal("expected stale when no listing ever succeeded")
	}
	if !s.LastSuccess().IsZero() {
		t.Fatalf("LastSuccess = %v, want zero", s.LastSuccess())
	}
}

func TestRun_StaleWhenStoreNeverLists(t *testing.T) {
	ring := &fakeRing{err: listErr}
	m := &fakeMetrics{}
	s := New(Options{
		Ring:           ring,
		Metrics:        m,
		PollInterval:   5 * time.Millisecond,
		StaleThreshold: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		ring.mu.Lock()
		n := ring.calls
		ring.mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("syncer stopped polling")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !m.stale {
		t.Fatalf("stale = false after %d failed listings", m.errs["list"])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ring := &fakeRing{}
	s := New(Options{Ring: ring, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ring.mu.Lock()
		n := ring.calls
		ring.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("syncer never polled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_PicksUpStoreChanges(t *testing.T) {
	ks, err := keystore.Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ring := signatory.NewKeyRing()

	changes := make(chan signatory.SyncResult, 4)
	s := New(Options{
		Ring:         ring,
		Store:        ks,
		PollInterval: 10 * time.Millisecond,
		OnChange:     func(r signatory.SyncResult) { changes <- r },
	})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	doc, err := signatory.Generate(signature.Ed25519, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Store(ctx, "rotating", doc); err != nil {
		t.Fatal(err)
	}
	res := waitChange(t, changes)
	if len(res.Added) != 1 || res.Added[0].Label != "rotating" {
		t.Fatalf("added = %+v", res.Added)
	}

	if err := ks.Delete(ctx, "rotating"); err != nil {
		t.Fatal(err)
	}
	res = waitChange(t, changes)
	if len(res.Removed) != 1 || res.Removed[0] != "rotating" {
		t.Fatalf("removed = %+v", res.Removed)
	}
	if ring.Len() != 0 {
		t.Fatalf("ring still has %d keys", ring.Len())
	}
}

func waitChange(t *testing.T, ch <-chan signatory.SyncResult) signatory.SyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no change observed")
		return signatory.SyncResult{}
	}
}
