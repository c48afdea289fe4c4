package daemon

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/statesync/statesync/internal/store"
	"github.com/statesync/statesync/internal/syncer"
)

// SourceResourceEnablement marks triggers caused by turning a resource
// kind on or off. Such triggers bypass the trigger rate limit.
const SourceResourceEnablement = "resourceEnablement"

const (
	// DefaultInterval is the gap between scheduled sync cycles.
	DefaultInterval = 5 * time.Minute

	// minTriggerGap rate-limits unprotected activity triggers.
	minTriggerGap = 10 * time.Second

	// baseDelay is the trigger debounce with no recent failures.
	baseDelay = time.Second

	// maxBackoffFactor caps the failure backoff multiplier.
	maxBackoffFactor = 60
)

// Config tunes the auto-sync coordinator.
type Config struct {
	// Interval between scheduled cycles; DefaultInterval when zero.
	Interval time.Duration

	// HasCredential gates startup: auto-sync stays off without a
	// usable credential even when the persisted flag says on.
	HasCredential func() bool

	Logger *log.Logger
}

// AutoSync owns the background sync lifecycle: the scheduled interval,
// debounced activity triggers, failure backoff and the error policy
// that disables sync when the service says stop.
type AutoSync struct {
	cfg     Config
	store   *store.Store
	syncers []syncer.Synchronizer
	delayer *Delayer
	logger  *log.Logger

	syncCh chan []string

	mu                 sync.Mutex
	running            bool
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	successiveFailures int
	lastCycleStart     time.Time
	intervalTimer      *time.Timer

	nextHandle int
	onTrigger  map[int]func(sources []string)
	onStart    map[int]func(reason string)
	onFinish   map[int]func(err error)
	onError    map[int]func(err error)
}

// New builds the coordinator and, when the persisted flag is on and a
// credential is available, starts it.
func New(cfg Config, st *store.Store, syncers []syncer.Synchronizer) (*AutoSync, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	a := &AutoSync{
		cfg:       cfg,
		store:     st,
		syncers:   syncers,
		logger:    logger,
		syncCh:    make(chan []string, 1),
		onTrigger: make(map[int]func([]string)),
		onStart:   make(map[int]func(string)),
		onFinish:  make(map[int]func(error)),
		onError:   make(map[int]func(error)),
	}
	a.delayer = NewDelayer(a.enqueue)

	enabled, err := st.AutoSyncEnabled()
	if err != nil {
		return nil, err
	}
	if enabled && a.credentialed() {
		a.mu.Lock()
		a.startLocked()
		a.mu.Unlock()
	}
	return a, nil
}

func (a *AutoSync) credentialed() bool {
	return a.cfg.HasCredential == nil || a.cfg.HasCredential()
}

// Running reports whether the background loop is active.
func (a *AutoSync) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Enable persists the auto-sync flag and, when a credential is
// available, starts the loop.
func (a *AutoSync) Enable() error {
	if err := a.store.SetAutoSyncEnabled(true); err != nil {
		return err
	}
	if !a.credentialed() {
		a.logger.Printf("auto sync enabled but no credential present, loop not started")
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		a.startLocked()
	}
	return nil
}

// Disable persists the flag off and stops the loop.
func (a *AutoSync) Disable() error {
	if err := a.store.SetAutoSyncEnabled(false); err != nil {
		return err
	}
	a.stop()
	return nil
}

// Stop halts the loop without touching the persisted flag, for
// process shutdown.
func (a *AutoSync) Stop() {
	a.stop()
}

func (a *AutoSync) startLocked() {
	a.running = true
	a.successiveFailures = 0
	a.stopCh = make(chan struct{})
	a.scheduleIntervalLocked()
	a.wg.Add(1)
	go a.run(a.stopCh)
	a.logger.Printf("auto sync started (interval %s)", a.cfg.Interval)
}

func (a *AutoSync) stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stopCh := a.stopCh
	if a.intervalTimer != nil {
		a.intervalTimer.Stop()
		a.intervalTimer = nil
	}
	a.mu.Unlock()

	a.delayer.Cancel()
	close(stopCh)
	for _, s := range a.syncers {
		s.Stop()
	}
	a.wg.Wait()
	a.logger.Printf("auto sync stopped")
}

func (a *AutoSync) run(stopCh chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case sources := <-a.syncCh:
			a.runCycle(sources)
		}
	}
}

func (a *AutoSync) scheduleIntervalLocked() {
	if a.intervalTimer != nil {
		a.intervalTimer.Stop()
	}
	a.intervalTimer = time.AfterFunc(a.cfg.Interval, a.intervalElapsed)
}

// intervalElapsed chains the next interval from the firing time, so a
// slow cycle pushes the following one out instead of bunching.
func (a *AutoSync) intervalElapsed() {
	a.enqueue([]string{"interval"})
	a.mu.Lock()
	if a.running {
		a.scheduleIntervalLocked()
	}
	a.mu.Unlock()
}

// Trigger requests a sync cycle for the given sources. Triggers are
// debounced through the delayer; unprotected sources are dropped when
// a cycle started less than minTriggerGap ago.
func (a *AutoSync) Trigger(sources ...string) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.delayer.Cancel()
		return
	}
	if !a.protected(sources) && time.Since(a.lastCycleStart) < minTriggerGap {
		a.mu.Unlock()
		a.logger.Printf("trigger %v dropped (rate limited)", sources)
		return
	}
	delay := a.triggerDelayLocked()
	a.mu.Unlock()

	a.delayer.Trigger(delay, sources...)
}

// protected reports whether any source is exempt from rate limiting:
// enablement changes and per-kind synchronizer sources.
func (a *AutoSync) protected(sources []string) bool {
	for _, src := range sources {
		if src == SourceResourceEnablement {
			return true
		}
		for _, s := range a.syncers {
			if src == string(s.Kind()) {
				return true
			}
		}
	}
	return false
}

// triggerDelayLocked returns the debounce delay, doubled per recent
// consecutive failure and capped at maxBackoffFactor.
func (a *AutoSync) triggerDelayLocked() time.Duration {
	factor := 1
	for i := 0; i < a.successiveFailures && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return time.Duration(factor) * baseDelay
}

func (a *AutoSync) enqueue(sources []string) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.emitTrigger(sources)
	select {
	case a.syncCh <- sources:
	default:
		a.logger.Printf("cycle already queued, dropping trigger %v", sources)
	}
}

func (a *AutoSync) runCycle(sources []string) {
	a.mu.Lock()
	a.lastCycleStart = time.Now()
	a.mu.Unlock()

	reason := strings.Join(sources, ",")
	if reason == "" {
		reason = "interval"
	}
	a.emitStart(reason)

	var firstErr error
	for _, s := range a.syncers {
		if err := s.Sync(context.Background(), reason); err != nil {
			firstErr = err
			break
		}
	}

	a.handleOutcome(firstErr)
	a.emitFinish(firstErr)
}

// handleOutcome applies the error policy: terminal service answers
// disable auto sync, transient ones feed the backoff.
func (a *AutoSync) handleOutcome(err error) {
	if err == nil {
		a.mu.Lock()
		a.successiveFailures = 0
		a.mu.Unlock()
		return
	}

	switch syncer.CodeOf(err) {
	case syncer.CodeTurnedOff, syncer.CodeSessionExpired:
		a.logger.Printf("auto sync disabled: %v", err)
		a.resetAll()
		if serr := a.store.SetAutoSyncEnabled(false); serr != nil {
			a.logger.Printf("failed to persist auto sync flag: %v", serr)
		}
		a.emitError(err)
		go a.stop()
	case syncer.CodeTooManyRequests:
		a.logger.Printf("auto sync disabled by rate limit: %v", err)
		if serr := a.store.SetAutoSyncEnabled(false); serr != nil {
			a.logger.Printf("failed to persist auto sync flag: %v", serr)
		}
		a.emitError(err)
		go a.stop()
	case syncer.CodeConflict, syncer.CodeInProgress:
		a.mu.Lock()
		a.successiveFailures++
		a.mu.Unlock()
	default:
		a.mu.Lock()
		a.successiveFailures++
		a.mu.Unlock()
		a.emitError(err)
	}
}

func (a *AutoSync) resetAll() {
	for _, s := range a.syncers {
		if err := s.Reset(); err != nil {
			a.logger.Printf("failed to reset %s: %v", s.Kind(), err)
		}
	}
}

// OnTrigger registers a handler for accepted triggers. The returned
// function removes it.
func (a *AutoSync) OnTrigger(fn func(sources []string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.nextHandle
	a.nextHandle++
	a.onTrigger[h] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.onTrigger, h)
	}
}

// OnSyncStart registers a handler called when a cycle begins.
func (a *AutoSync) OnSyncStart(fn func(reason string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.nextHandle
	a.nextHandle++
	a.onStart[h] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.onStart, h)
	}
}

// OnSyncFinish registers a handler called when a cycle ends, with its
// error if any.
func (a *AutoSync) OnSyncFinish(fn func(err error)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.nextHandle
	a.nextHandle++
	a.onFinish[h] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.onFinish, h)
	}
}

// OnError registers a handler for reportable failures. Conflicts and
// overlapping cycles are retried silently and not reported.
func (a *AutoSync) OnError(fn func(err error)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.nextHandle
	a.nextHandle++
	a.onError[h] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.onError, h)
	}
}

func (a *AutoSync) emitTrigger(sources []string) {
	for _, fn := range a.handlers(a.onTrigger) {
		fn(sources)
	}
}

func (a *AutoSync) emitStart(reason string) {
	a.mu.Lock()
	fns := make([]func(string), 0, len(a.onStart))
	for _, fn := range a.onStart {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (a *AutoSync) emitFinish(err error) {
	a.mu.Lock()
	fns := make([]func(error), 0, len(a.onFinish))
	for _, fn := range a.onFinish {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (a *AutoSync) emitError(err error) {
	a.mu.Lock()
	fns := make([]func(error), 0, len(a.onError))
	for _, fn := range a.onError {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (a *AutoSync) handlers(m map[int]func([]string)) []func([]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fns := make([]func([]string), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}
