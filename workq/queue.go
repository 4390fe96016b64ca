// Package workq provides deferred work items and software timers.
//
// A Work item is never executed concurrently with itself: submitting it while
// it runs marks it for one more pass once the current one returns. Independent
// items are drained by a fixed set of worker goroutines and may run in parallel.
package workq

import (
	"sync"
)

// Queue drains submitted work items on a fixed number of workers.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*Work
	closed  bool
	workers sync.WaitGroup
}

// NewQueue starts a queue with the given number of workers (at least one).
func NewQueue(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	q.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go q.loop()
	}
	return q
}

// Close stops the workers after the items already queued have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.workers.Wait()
}

func (q *Queue) push(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, w)
	q.cond.Signal()
	return true
}

func (q *Queue) pop() (*Work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w, true
}

func (q *Queue) loop() {
	defer q.workers.Done()
	for {
		w, ok := q.pop()
		if !ok {
			return
		}
		w.run()
	}
}

type workState int

const (
	workIdle workState = iota
	workQueued
	workRunning
	workRerun
)

// Work is a handler bound to a queue.
type Work struct {
	q     *Queue
	fn    func()
	mu    sync.Mutex
	state workState
}

// NewWork binds fn to the queue. fn runs on a worker goroutine.
func (q *Queue) NewWork(fn func()) *Work {
	return &Work{q: q, fn: fn}
}

// Submit schedules the work item. It is safe from any goroutine, including
// the handler itself, and never blocks on the handler.
func (w *Work) Submit() {
	w.mu.Lock()
	switch w.state {
	case workIdle:
		w.state = workQueued
		w.mu.Unlock()
		if !w.q.push(w) {
			w.mu.Lock()
			w.state = workIdle
			w.mu.Unlock()
		}
		return
	case workRunning:
		w.state = workRerun
	}
	w.mu.Unlock()
}

// Pending reports whether the item is queued or running.
func (w *Work) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != workIdle
}

func (w *Work) run() {
	w.mu.Lock()
	w.state = workRunning
	w.mu.Unlock()

	w.fn()

	w.mu.Lock()
	if w.state == workRerun {
		w.state = workIdle
		w.mu.Unlock()
		w.Submit()
		return
	}
	w.state = workIdle
	w.mu.Unlock()
}
