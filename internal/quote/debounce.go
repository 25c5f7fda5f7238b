package quote

import (
	"sync"
	"time"
)

const DefaultDebounce = time.Second

// Debouncer delays work until inputs stop changing. Each Schedule supersedes
// the previous one; callbacks carry their generation so late results can be
// discarded with IsCurrent.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay}
}

// Schedule cancels any pending callback and arms fn after the delay.
func (d *Debouncer) Schedule(fn func(gen uint64)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		if d.IsCurrent(gen) {
			fn(gen)
		}
	})
	return gen
}

// Cancel drops the pending callback and invalidates in-flight generations.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debouncer) IsCurrent(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.gen
}
