package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/statesync/statesync/internal/remote"
	"github.com/statesync/statesync/internal/schema"
	"github.com/statesync/statesync/internal/store"
	"github.com/statesync/statesync/internal/syncer"
)

type fakeSyncer struct {
	mu    sync.Mutex
	kind  schema.Kind
	err   error
	syncs int
	reset int
}

func (f *fakeSyncer) Kind() schema.Kind { return f.kind }

func (f *fakeSyncer) Sync(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.err
}

func (f *fakeSyncer) Pull(ctx context.Context) error                        { return nil }
func (f *fakeSyncer) Push(ctx context.Context) error                        { return nil }
func (f *fakeSyncer) Replace(ctx context.Context, _ *schema.SyncData) error { return nil }
func (f *fakeSyncer) ResolveContent(ref string) (string, error)             { return "", nil }
func (f *fakeSyncer) HasLocalData(ctx context.Context) (bool, error)        { return false, nil }
func (f *fakeSyncer) Status() syncer.Status                                 { return syncer.Idle }
func (f *fakeSyncer) Stop()                                                 {}

func (f *fakeSyncer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset++
	return nil
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSyncer) counts() (syncs, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs, f.reset
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return st
}

func newTestAutoSync(t *testing.T, st *store.Store, fake *fakeSyncer) *AutoSync {
	t.Helper()
	a, err := New(Config{
		Interval: time.Hour,
		Logger:   log.New(io.Discard, "", 0),
	}, st, []syncer.Synchronizer{fake})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewRespectsPersistedFlag(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}

	a := newTestAutoSync(t, st, fake)
	if a.Running() {
		t.Error("auto sync should stay off when the flag is off")
	}

	if err := st.SetAutoSyncEnabled(true); err != nil {
		t.Fatalf("SetAutoSyncEnabled() error = %v", err)
	}
	b, err := New(Config{Interval: time.Hour, Logger: log.New(io.Discard, "", 0)},
		st, []syncer.Synchronizer{fake})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Stop()
	if !b.Running() {
		t.Error("auto sync should start when the persisted flag is on")
	}
}

func TestNewWithoutCredentialStaysOff(t *testing.T) {
	st := openTestStore(t)
	if err := st.SetAutoSyncEnabled(true); err != nil {
		t.Fatalf("SetAutoSyncEnabled() error = %v", err)
	}

	a, err := New(Config{
		Interval:      time.Hour,
		HasCredential: func() bool { return false },
		Logger:        log.New(io.Discard, "", 0),
	}, st, []syncer.Synchronizer{&fakeSyncer{kind: schema.KindExtensions}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()
	if a.Running() {
		t.Error("auto sync must not start without a credential")
	}
}

func TestEnableWithoutCredentialKeepsLoopOff(t *testing.T) {
	st := openTestStore(t)

	a, err := New(Config{
		Interval:      time.Hour,
		HasCredential: func() bool { return false },
		Logger:        log.New(io.Discard, "", 0),
	}, st, []syncer.Synchronizer{&fakeSyncer{kind: schema.KindExtensions}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if a.Running() {
		t.Error("loop must not start without a credential")
	}
	// The flag still persists, so the loop starts once a credential
	// appears.
	enabled, err := st.AutoSyncEnabled()
	if err != nil || !enabled {
		t.Errorf("persisted flag = %v (err %v), want true", enabled, err)
	}
}

func TestEnableDisable(t *testing.T) {
	st := openTestStore(t)
	a := newTestAutoSync(t, st, &fakeSyncer{kind: schema.KindExtensions})

	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !a.Running() {
		t.Error("Running() = false after Enable")
	}
	enabled, err := st.AutoSyncEnabled()
	if err != nil || !enabled {
		t.Errorf("persisted flag = %v (err %v), want true", enabled, err)
	}

	if err := a.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if a.Running() {
		t.Error("Running() = true after Disable")
	}
	enabled, err = st.AutoSyncEnabled()
	if err != nil || enabled {
		t.Errorf("persisted flag = %v (err %v), want false", enabled, err)
	}
}

func TestCycleRunsEachSyncer(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	var finished sync.WaitGroup
	finished.Add(1)
	release := a.OnSyncFinish(func(err error) {
		if err != nil {
			t.Errorf("cycle error = %v", err)
		}
		finished.Done()
	})
	defer release()

	a.enqueue([]string{"test"})
	finished.Wait()

	if syncs, _ := fake.counts(); syncs != 1 {
		t.Errorf("syncs = %d, want 1", syncs)
	}
	if a.failures() != 0 {
		t.Errorf("failures = %d after success, want 0", a.failures())
	}
}

func TestTurnedOffResetsAndDisables(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	fake.setErr(syncer.Classify(schema.KindExtensions, remote.ErrTurnedOff))

	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	errCh := make(chan error, 1)
	release := a.OnError(func(err error) { errCh <- err })
	defer release()

	a.enqueue([]string{"test"})

	waitFor(t, "loop shutdown", func() bool { return !a.Running() })
	select {
	case err := <-errCh:
		if syncer.CodeOf(err) != syncer.CodeTurnedOff {
			t.Errorf("reported code = %v, want CodeTurnedOff", syncer.CodeOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}

	if _, resets := fake.counts(); resets != 1 {
		t.Errorf("resets = %d, want 1 (local state cleared)", resets)
	}
	enabled, err := st.AutoSyncEnabled()
	if err != nil || enabled {
		t.Errorf("persisted flag = %v (err %v), want false", enabled, err)
	}
}

func TestSessionExpiredResetsAndDisables(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	fake.setErr(syncer.Classify(schema.KindExtensions, remote.ErrSessionExpired))

	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	a.enqueue([]string{"test"})
	waitFor(t, "loop shutdown", func() bool { return !a.Running() })

	if _, resets := fake.counts(); resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestRateLimitDisablesWithoutReset(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	fake.setErr(syncer.Classify(schema.KindExtensions, remote.ErrTooManyRequests))

	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	a.enqueue([]string{"test"})
	waitFor(t, "loop shutdown", func() bool { return !a.Running() })

	if _, resets := fake.counts(); resets != 0 {
		t.Errorf("resets = %d, want 0 (state kept)", resets)
	}
	enabled, err := st.AutoSyncEnabled()
	if err != nil || enabled {
		t.Errorf("persisted flag = %v (err %v), want false", enabled, err)
	}
}

func TestUnknownErrorFeedsBackoff(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	fake.setErr(syncer.Classify(schema.KindExtensions, errors.New("network down")))

	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	var finished sync.WaitGroup
	finished.Add(2)
	release := a.OnSyncFinish(func(error) { finished.Done() })

	a.enqueue([]string{"one"})
	waitFor(t, "first cycle", func() bool { return a.failures() >= 1 })
	a.enqueue([]string{"two"})
	finished.Wait()
	release()

	if got := a.failures(); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
	if !a.Running() {
		t.Error("unknown errors must not disable auto sync")
	}

	// A success clears the streak.
	fake.setErr(nil)
	a.enqueue([]string{"three"})
	waitFor(t, "recovery", func() bool { return a.failures() == 0 })
}

func TestConflictRetriesSilently(t *testing.T) {
	st := openTestStore(t)
	fake := &fakeSyncer{kind: schema.KindExtensions}
	fake.setErr(syncer.Classify(schema.KindExtensions, remote.ErrPreconditionFailed))

	a := newTestAutoSync(t, st, fake)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	reported := make(chan error, 1)
	release := a.OnError(func(err error) { reported <- err })
	defer release()

	a.enqueue([]string{"test"})
	waitFor(t, "cycle", func() bool { return a.failures() == 1 })

	select {
	case err := <-reported:
		t.Errorf("conflict was reported as an error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if !a.Running() {
		t.Error("conflicts must not disable auto sync")
	}
}

func TestTriggerRateLimit(t *testing.T) {
	st := openTestStore(t)
	a := newTestAutoSync(t, st, &fakeSyncer{kind: schema.KindExtensions})
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	a.mu.Lock()
	a.lastCycleStart = time.Now()
	a.mu.Unlock()

	a.Trigger("activity")
	if a.delayer.Pending() {
		t.Error("unprotected trigger inside the rate window should drop")
	}

	// Enablement changes bypass the rate limit.
	a.Trigger(SourceResourceEnablement)
	if !a.delayer.Pending() {
		t.Error("enablement trigger must not be rate limited")
	}
	a.delayer.Cancel()

	// So do per-kind sources.
	a.Trigger(string(schema.KindExtensions))
	if !a.delayer.Pending() {
		t.Error("kind-source trigger must not be rate limited")
	}
	a.delayer.Cancel()

	// Outside the window the unprotected trigger schedules.
	a.mu.Lock()
	a.lastCycleStart = time.Now().Add(-minTriggerGap - time.Second)
	a.mu.Unlock()
	a.Trigger("activity")
	if !a.delayer.Pending() {
		t.Error("trigger outside the rate window should schedule")
	}
	a.delayer.Cancel()
}

func TestTriggerWhileStoppedCancelsPending(t *testing.T) {
	st := openTestStore(t)
	a := newTestAutoSync(t, st, &fakeSyncer{kind: schema.KindExtensions})

	a.Trigger("activity")
	if a.delayer.Pending() {
		t.Error("trigger while stopped should not schedule")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{100, 60 * time.Second},
	}

	a := &AutoSync{}
	for _, tt := range tests {
		a.successiveFailures = tt.failures
		if got := a.triggerDelayLocked(); got != tt.want {
			t.Errorf("failures=%d: delay = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func (a *AutoSync) failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.successiveFailures
}
