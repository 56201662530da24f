package workpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(3)
	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
	if atomic.LoadInt32(&n) != 50 {
		t.Fatalf("expected 50 jobs run, got %d", n)
	}
	p.Close()
}

func TestPoolCloseWaitsForQueuedJobs(t *testing.T) {
	p := New(1)
	var ran int32
	p.Submit(func() {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&ran, 1)
	})
	p.Close()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected job to have run before Close returned")
	}
}

func TestTrySubmitFailsWhenQueueFull(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	p.Submit(func() { <-block })

	ok := true
	for i := 0; i < 10; i++ {
		if !p.TrySubmit(func() {}) {
			ok = false
			break
		}
	}
	close(block)
	p.Close()
	if ok {
		t.Fatal("expected TrySubmit to eventually report the queue full")
	}
}
