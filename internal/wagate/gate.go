package wagate

import (
	"context"
	"math/rand"
	"time"
)

// admissionGate bounds how many sessions may be mid-handshake at once.
// Tokens are pre-filled up to cap; acquire blocks until a token frees up, the
// wait bound elapses, or ctx is canceled.
//
// Note: cap is fixed for the life of the gate. A config change to the cap
// takes effect on the next manager restart.
type admissionGate struct {
	cap  int
	wait time.Duration
	ch   chan struct{}
}

func newAdmissionGate(capacity int, wait time.Duration) *admissionGate {
	if capacity <= 0 {
		capacity = 1
	}
	g := &admissionGate{cap: capacity, wait: wait, ch: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		g.ch <- struct{}{}
	}
	return g
}

// acquire takes a token or fails with ErrAdmissionTimeout / ctx.Err().
func (g *admissionGate) acquire(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if g.wait > 0 {
		t := time.NewTimer(g.wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-g.ch:
		return nil
	case <-timeout:
		return ErrAdmissionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *admissionGate) release() {
	// Best-effort: never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// connectJitter returns a random delay in [0, max) applied before dialing so
// that a fleet restart does not slam the backend with simultaneous handshakes.
func connectJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
