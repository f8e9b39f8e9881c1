package notify

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultWait    = 2 * time.Second
	DefaultMaxWait = 10 * time.Second
)

// Debouncer coalesces calls to Trigger into a single call of fn. Every
// trigger pushes the deadline back by wait, but never past maxWait after the
// first pending trigger. Calls to fn never overlap.
type Debouncer struct {
	clock   clock.Clock
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu     sync.Mutex
	timer  *clock.Timer
	gen    uint64
	first  time.Time
	closed bool

	flushMu sync.Mutex
}

func NewDebouncer(clk clock.Clock, wait, maxWait time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if maxWait > 0 && maxWait < wait {
		maxWait = wait
	}
	return &Debouncer{clock: clk, wait: wait, maxWait: maxWait, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	now := d.clock.Now()
	if d.first.IsZero() {
		d.first = now
	}
	delay := d.wait
	if d.maxWait > 0 {
		if remaining := d.first.Add(d.maxWait).Sub(now); remaining < delay {
			delay = remaining
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.closed {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.first = time.Time{}
	d.mu.Unlock()

	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	d.fn()
}

// Close cancels the timer and runs a pending flush immediately.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.timer != nil
	if pending {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if pending {
		d.flushMu.Lock()
		defer d.flushMu.Unlock()
		d.fn()
	}
}
