// Package debounce provides a timer-backed debouncer with an injectable clock.
//
// The original sync code cleared and re-armed raw timers at every call site;
// this package formalizes that pattern so engines stay unit-testable without
// wall-clock sleeps.
package debounce

import (
	"sync"
	"time"
)

// Timer is the stoppable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules deferred execution. Production code uses SystemClock;
// tests inject a ManualClock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

type systemTimer struct{ t *time.Timer }

func (t systemTimer) Stop() bool { return t.t.Stop() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{t: time.AfterFunc(d, f)}
}

// SystemClock returns a Clock backed by time.AfterFunc.
func SystemClock() Clock { return systemClock{} }

// Debouncer coalesces rapid Schedule calls into a single deferred fire.
//
// Concurrency guarantees:
//   - Schedule/Cancel/Flush are safe for concurrent use.
//   - After Cancel returns, a timer that already popped will not fire the callback.
//   - The callback runs without the internal lock held, so it may call back
//     into Schedule.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fire  func()

	mu    sync.Mutex
	timer Timer
	armed bool
}

// New constructs a Debouncer that invokes fire once delay has elapsed since
// the most recent Schedule call.
func New(clock Clock, delay time.Duration, fire func()) *Debouncer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Debouncer{
		clock: clock,
		delay: delay,
		fire:  fire,
	}
}

// Schedule arms (or re-arms) the debounce window.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.armed = true
	d.timer = d.clock.AfterFunc(d.delay, d.pop)
}

// Cancel discards any pending fire.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
}

// Flush fires immediately if a fire is pending, bypassing the remaining delay.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
	d.mu.Unlock()

	d.fire()
}

// Pending reports whether a fire is currently armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Debouncer) pop() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()

	d.fire()
}
