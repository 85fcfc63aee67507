package wagate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "cobrabot/pkg/logx"
)

func TestReconnectDecision(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	tests := []struct {
		name      string
		reason    CloseReason
		failures  int
		reconnect bool
		delay     time.Duration
	}{
		{"logged out is terminal", CloseLoggedOut, 1, false, 0},
		{"logged out stays terminal at high failures", CloseLoggedOut, 9, false, 0},
		{"first transient failure uses base", CloseTransient, 1, true, 2 * time.Second},
		{"second failure doubles", CloseTransient, 2, true, 4 * time.Second},
		{"third failure doubles again", CloseTransient, 3, true, 8 * time.Second},
		{"backoff caps at max", CloseTransient, 10, true, 30 * time.Second},
		{"unknown reason is transient", CloseUnknown, 1, true, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := reconnectDecision(tt.reason, tt.failures, base, max)
			if d.reconnect != tt.reconnect {
				t.Fatalf("reconnect = %v, want %v", d.reconnect, tt.reconnect)
			}
			if d.reconnect && d.delay != tt.delay {
				t.Fatalf("delay = %v, want %v", d.delay, tt.delay)
			}
		})
	}
}

func TestReconnectDecisionStrictlyIncreasesUntilCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second
	prev := time.Duration(0)
	capped := false
	for f := 1; f <= 12; f++ {
		d := reconnectDecision(CloseTransient, f, base, max)
		if !d.reconnect {
			t.Fatalf("failures=%d: expected reconnect", f)
		}
		if d.delay > max {
			t.Fatalf("failures=%d: delay %v above cap %v", f, d.delay, max)
		}
		if capped {
			if d.delay != max {
				t.Fatalf("failures=%d: delay %v, want cap %v", f, d.delay, max)
			}
		} else if d.delay <= prev {
			t.Fatalf("failures=%d: delay %v not increasing (prev %v)", f, d.delay, prev)
		}
		if d.delay == max {
			capped = true
		}
		prev = d.delay
	}
	if !capped {
		t.Fatal("backoff never reached the cap")
	}
}

// scriptedTransport replays a fixed per-dial event script.
type scriptedTransport struct {
	mu    sync.Mutex
	dials int
	// script returns events for the nth dial (0-based) plus an optional dial
	// error. The events channel closes after the last event.
	script func(call int) ([]Event, error)
	links  []*scriptedLink
}

type scriptedLink struct {
	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sent      []string
}

func (l *scriptedLink) Send(_ context.Context, destination, text string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, destination+"|"+text)
	return fmt.Sprintf("ack-%d", len(l.sent)), nil
}

func (l *scriptedLink) Logout(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loggedOut = true
	return nil
}

func (l *scriptedLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (t *scriptedTransport) Dial(_ context.Context, _ string, _ []byte) (Link, <-chan Event, error) {
	t.mu.Lock()
	call := t.dials
	t.dials++
	t.mu.Unlock()

	evs, err := t.script(call)
	if err != nil {
		return nil, nil, err
	}
	l := &scriptedLink{}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()

	ch := make(chan Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	if len(evs) == 0 || evs[len(evs)-1].Kind != EventClosed {
		// Leave the channel open so the session sits in its current state.
		return l, ch, nil
	}
	close(ch)
	return l, ch, nil
}

func (t *scriptedTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func testConfig(dir string) Config {
	return Config{
		SessionsDir:   dir,
		AdmissionCap:  2,
		AdmissionWait: time.Second,
		ConnectJitter: 0,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		RatePerMinute: 6000,
	}.withDefaults()
}

func newTestSession(t *testing.T, tr Transport, cfg Config) *Session {
	t.Helper()
	creds, err := newCredStore(cfg.SessionsDir)
	if err != nil {
		t.Fatalf("cred store: %v", err)
	}
	return newSession(7, tr, newAdmissionGate(cfg.AdmissionCap, cfg.AdmissionWait), creds, cfg, logx.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSessionPairingFlowPersistsCredential(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{script: func(call int) ([]Event, error) {
		return []Event{
			{Kind: EventQR, QR: "qr-code-1"},
			{Kind: EventConnected, Credential: []byte(`{"session":"abc"}`)},
		}, nil
	}}
	s := newTestSession(t, tr, testConfig(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	defer s.stop(context.Background())

	waitFor(t, time.Second, func() bool { return s.Status().Connected }, "connected state")

	st := s.Status()
	if st.State != "connected" || st.QR != "" {
		t.Fatalf("status = %+v, want connected with no pending QR", st)
	}
	b, err := os.ReadFile(filepath.Join(dir, "user-7.json"))
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if string(b) != `{"session":"abc"}` {
		t.Fatalf("credential = %s", b)
	}
}

func TestSessionTransientCloseReconnects(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{script: func(call int) ([]Event, error) {
		if call == 0 {
			return []Event{
				{Kind: EventConnected, Credential: []byte(`c1`)},
				{Kind: EventClosed, Reason: CloseTransient},
			}, nil
		}
		return []Event{{Kind: EventConnected, Credential: []byte(`c2`)}}, nil
	}}
	s := newTestSession(t, tr, testConfig(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	defer s.stop(context.Background())

	waitFor(t, time.Second, func() bool { return tr.dialCount() >= 2 && s.Status().Connected },
		"reconnect after transient close")

	st := s.Status()
	if st.LoggedOut {
		t.Fatal("transient close must not mark the session logged out")
	}
	if st.Failures != 0 {
		t.Fatalf("failures = %d, want 0 after successful reconnect", st.Failures)
	}
}

func TestSessionLoggedOutIsTerminal(t *testing.T) {
	dir := t.TempDir()
	// Seed a credential so the terminal logout has something to back up.
	if err := os.WriteFile(filepath.Join(dir, "user-7.json"), []byte(`old`), 0o600); err != nil {
		t.Fatal(err)
	}
	tr := &scriptedTransport{script: func(call int) ([]Event, error) {
		return []Event{
			{Kind: EventConnected, Credential: []byte(`old`)},
			{Kind: EventClosed, Reason: CloseLoggedOut},
		}, nil
	}}
	s := newTestSession(t, tr, testConfig(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)

	waitFor(t, time.Second, func() bool { return s.Status().LoggedOut }, "terminal logout")
	// Give any would-be reconnect time to fire.
	time.Sleep(50 * time.Millisecond)
	if n := tr.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (no auto-reconnect after logout)", n)
	}

	// Live credential replaced by a timestamped backup.
	if _, err := os.Stat(filepath.Join(dir, "user-7.json")); !os.IsNotExist(err) {
		t.Fatalf("live credential should be gone, stat err = %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "user-7.json.bak-*"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("backup files = %v (err %v), want exactly one", matches, err)
	}
	b, _ := os.ReadFile(matches[0])
	if string(b) != "old" {
		t.Fatalf("backup content = %q, want %q", b, "old")
	}
}

func TestSessionDialFailureBacksOff(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{script: func(call int) ([]Event, error) {
		if call < 3 {
			return nil, errors.New("backend unavailable")
		}
		return []Event{{Kind: EventConnected, Credential: []byte(`c`)}}, nil
	}}
	s := newTestSession(t, tr, testConfig(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	defer s.stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return s.Status().Connected }, "recovery after dial failures")
	if n := tr.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}
}

func TestSessionSendRequiresConnected(t *testing.T) {
	dir := t.TempDir()
	tr := &scriptedTransport{script: func(call int) ([]Event, error) {
		return []Event{{Kind: EventQR, QR: "pending"}}, nil
	}}
	s := newTestSession(t, tr, testConfig(dir))

	// Never started: disconnected.
	if _, err := s.Send(context.Background(), "5511999999999@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while disconnected: err = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	defer s.stop(context.Background())
	waitFor(t, time.Second, func() bool { return s.Status().State == "awaiting-qr" }, "awaiting-qr state")

	if _, err := s.Send(context.Background(), "5511999999999@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while awaiting-qr: err = %v, want ErrNotConnected", err)
	}
}
