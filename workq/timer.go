package workq

import (
	"sync"
	"time"
)

// Timer fires a callback once after a delay. Restarting or stopping it
// invalidates an expiry that is already in flight, so Expired never reports
// a timeout that belongs to an earlier Start.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	gen     uint64
	expired bool
	running bool
	fire    func()
}

// NewTimer returns a stopped timer. fire is called from the timer goroutine
// and should only schedule work.
func NewTimer(fire func()) *Timer {
	return &Timer{fire: fire}
}

// Start (re)arms the timer.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	t.expired = false
	t.running = true
	gen := t.gen
	t.t = time.AfterFunc(d, func() { t.expire(gen) })
}

// Stop disarms the timer and clears any unconsumed expiry.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.expired = false
	t.running = false
}

// Running reports whether the timer is armed and has not fired yet.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Expired consumes a pending expiry.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.expired
	t.expired = false
	return e
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.expired = true
	t.running = false
	t.t = nil
	t.mu.Unlock()
	if t.fire != nil {
		t.fire()
	}
}
