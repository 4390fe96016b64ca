package workq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWork_NeverRunsConcurrentlyWithItself(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	var active, maxActive, runs int32
	var w *Work
	w = q.NewWork(func() {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&runs, 1)
		atomic.AddInt32(&active, -1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				w.Submit()
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for w.Pending() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.Pending() {
		t.Fatal("work still pending after submissions stopped")
	}
	if m := atomic.LoadInt32(&maxActive); m != 1 {
		t.Errorf("Expected at most 1 concurrent run, got %d", m)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Error("Expected work to run at least once")
	}
}

func TestWork_SubmitFromHandlerReruns(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	done := make(chan struct{})
	var count int
	var w *Work
	w = q.NewWork(func() {
		count++
		if count < 3 {
			w.Submit()
			return
		}
		close(done)
	})
	w.Submit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not rerun, count=%d", count)
	}
}

func TestWork_SubmitAfterCloseIsDropped(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	w := q.NewWork(func() { t.Error("handler ran on a closed queue") })
	w.Submit()
	if w.Pending() {
		t.Error("Expected work to stay idle on a closed queue")
	}
}

func TestTimer_StaleExpiryIsDiscarded(t *testing.T) {
	fired := make(chan struct{}, 4)
	tm := NewTimer(func() { fired <- struct{}{} })

	tm.Start(5 * time.Millisecond)
	tm.Stop()
	time.Sleep(20 * time.Millisecond)
	if tm.Expired() {
		t.Fatal("stopped timer reported expiry")
	}

	tm.Start(5 * time.Millisecond)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if !tm.Expired() {
		t.Fatal("Expected expiry after fire")
	}
	if tm.Expired() {
		t.Error("Expiry must be consumed once")
	}
}

func TestTimer_RestartPostponesExpiry(t *testing.T) {
	tm := NewTimer(nil)
	tm.Start(30 * time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	tm.Start(60 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if tm.Expired() {
		t.Fatal("restarted timer expired on the old deadline")
	}
	if !tm.Running() {
		t.Error("Expected timer to still be running")
	}
	tm.Stop()
}
