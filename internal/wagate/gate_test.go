package wagate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdmissionGateCapsConcurrency(t *testing.T) {
	const capacity = 2
	const burst = 10

	g := newAdmissionGate(capacity, time.Second)

	var cur, peak, admitted int64
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt64(&cur, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&cur, -1)
			atomic.AddInt64(&admitted, 1)
			g.release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&admitted); got != burst {
		t.Fatalf("admitted = %d, want %d", got, burst)
	}
	if got := atomic.LoadInt64(&peak); got > capacity {
		t.Fatalf("peak concurrency = %d, want <= %d", got, capacity)
	}
}

func TestAdmissionGateThirdCallerBlocks(t *testing.T) {
	g := newAdmissionGate(2, 30*time.Millisecond)

	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	start := time.Now()
	err := g.acquire(context.Background())
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("third acquire err = %v, want ErrAdmissionTimeout", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("third acquire returned after %v, should have blocked for the wait bound", waited)
	}

	// After a release the blocked path succeeds.
	g.release()
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAdmissionGateHonorsContext(t *testing.T) {
	g := newAdmissionGate(1, time.Minute)
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := g.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire err = %v, want context.Canceled", err)
	}
}

func TestConnectJitterBounds(t *testing.T) {
	if d := connectJitter(0); d != 0 {
		t.Fatalf("jitter with zero max = %v, want 0", d)
	}
	for i := 0; i < 100; i++ {
		d := connectJitter(50 * time.Millisecond)
		if d < 0 || d >= 50*time.Millisecond {
			t.Fatalf("jitter %v out of [0, 50ms)", d)
		}
	}
}
