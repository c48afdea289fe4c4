package daemon

import (
	"sync"
	"time"
)

// Delayer coalesces bursts of sync triggers into a single delayed
// firing. Each Trigger call restarts the timer and accumulates the
// reported sources; when the timer finally fires, fn receives every
// source seen since the last firing.
type Delayer struct {
	fn func(sources []string)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	sources []string
}

// NewDelayer returns a Delayer invoking fn on each firing.
func NewDelayer(fn func(sources []string)) *Delayer {
	return &Delayer{fn: fn}
}

// Trigger schedules a firing after delay, replacing any pending one.
func (d *Delayer) Trigger(delay time.Duration, sources ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sources = append(d.sources, sources...)
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *Delayer) fire(gen uint64) {
	d.mu.Lock()
	// A later Trigger or Cancel superseded this timer.
	if gen != d.gen || len(d.sources) == 0 {
		d.mu.Unlock()
		return
	}
	sources := d.sources
	d.sources = nil
	d.timer = nil
	d.mu.Unlock()

	d.fn(sources)
}

// Cancel drops any pending firing and its accumulated sources.
func (d *Delayer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.sources = nil
}

// Pending reports whether a firing is scheduled.
func (d *Delayer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
