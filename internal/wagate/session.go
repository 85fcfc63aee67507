package wagate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "cobrabot/pkg/logx"
)

// State is a session's connection state. Transitions happen only inside the
// session's own run loop; everything else reads a snapshot.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingQR
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingQR:
		return "awaiting-qr"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// decision is the outcome of reconnectDecision.
type decision struct {
	reconnect bool
	delay     time.Duration
}

// reconnectDecision maps a close reason and the consecutive-failure count to
// a reconnect policy. A logged-out close is terminal. Anything else retries
// with exponential backoff from base, capped at max; failures resets to zero
// after one successful connect, so the delay sequence restarts at base.
func reconnectDecision(reason CloseReason, failures int, base, max time.Duration) decision {
	if reason == CloseLoggedOut {
		return decision{}
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return decision{reconnect: true, delay: d}
}

// Status is a point-in-time snapshot of one session.
type Status struct {
	UserID        int64     `json:"user_id"`
	State         string    `json:"state"`
	Connected     bool      `json:"connected"`
	QR            string    `json:"qrCode,omitempty"`
	LoggedOut     bool      `json:"logged_out"`
	Failures      int       `json:"failures"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
}

// Session is one user's connection. The run loop is the only writer of state;
// mu guards the snapshot fields read by Send, Status and the health loop.
type Session struct {
	userID   int64
	clientID string

	transport Transport
	gate      *admissionGate
	creds     *credStore
	cfg       Config
	log       logx.Logger
	limiter   *rate.Limiter

	mu            sync.Mutex
	state         State
	qr            string
	link          Link
	failures      int
	loggedOut     bool
	lastConnected time.Time
	lastSeen      time.Time // last state change of any kind

	wake   chan struct{} // nudges the run loop out of a backoff sleep
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(userID int64, t Transport, gate *admissionGate, creds *credStore, cfg Config, log logx.Logger) *Session {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	per := rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	return &Session{
		userID:    userID,
		clientID:  fmt.Sprintf("cobrabot-%d", userID),
		transport: t,
		gate:      gate,
		creds:     creds,
		cfg:       cfg,
		log:       log.With(logx.Int64("user", userID)),
		limiter:   rate.NewLimiter(per, 1),
		wake:      make(chan struct{}, 1),
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		UserID:        s.userID,
		State:         s.state.String(),
		Connected:     s.state == StateConnected,
		QR:            s.qr,
		LoggedOut:     s.loggedOut,
		Failures:      s.failures,
		LastConnected: s.lastConnected,
		LastSeen:      s.lastSeen,
	}
}

// Send delivers text over the live link. No queuing: a session that is not
// connected fails fast with ErrNotConnected and the caller decides.
func (s *Session) Send(ctx context.Context, destination, text string) (string, error) {
	s.mu.Lock()
	link := s.link
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || link == nil {
		return "", ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return link.Send(ctx, destination, text)
}

// start launches the run loop. Idempotent while running.
func (s *Session) start(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		s.nudge()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.loggedOut = false
	done := s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.done == done {
				s.done = nil
				s.cancel = nil
			}
			s.mu.Unlock()
			close(done)
		}()
		s.run(ctx)
	}()
}

// stop ends the run loop and closes the link without logging out, so the
// persisted credential survives ordinary restarts.
func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("session stop timed out")
	}
}

// nudge wakes the run loop out of a backoff sleep for an immediate attempt.
func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run dials, pumps events and reconnects until it is stopped or the session
// is logged out remotely.
func (s *Session) run(ctx context.Context) {
	for {
		s.mu.Lock()
		failures := s.failures
		terminal := s.loggedOut
		s.mu.Unlock()
		if terminal {
			return
		}

		reason, err := s.connectOnce(ctx, failures)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if err != nil || reason != CloseLoggedOut {
			s.failures++
		}
		failures = s.failures
		s.mu.Unlock()

		dec := reconnectDecision(reason, failures, s.cfg.ReconnectBase, s.cfg.ReconnectMax)
		if !dec.reconnect {
			s.terminate()
			return
		}
		s.log.Info("reconnecting",
			logx.String("reason", reason.String()),
			logx.Int("failures", failures),
			logx.Duration("delay", dec.delay))
		if !s.sleep(ctx, dec.delay) {
			return
		}
	}
}

// connectOnce performs one admission-gated dial and pumps the link's events
// until it closes. Returns the close reason (CloseUnknown on dial failure).
func (s *Session) connectOnce(ctx context.Context, failures int) (CloseReason, error) {
	if err := s.gate.acquire(ctx); err != nil {
		s.log.Warn("admission wait failed", logx.Err(err))
		return CloseUnknown, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			s.gate.release()
		}
	}
	defer release()

	if j := connectJitter(s.cfg.ConnectJitter); j > 0 {
		if !s.sleep(ctx, j) {
			return CloseUnknown, ctx.Err()
		}
	}

	cred, err := s.creds.Load(s.userID)
	if err != nil {
		s.log.Error("credential load failed", logx.Err(err))
		cred = nil
	}

	s.log.Debug("dialing", logx.Bool("has_credential", cred != nil), logx.Int("failures", failures))
	link, events, err := s.transport.Dial(ctx, s.clientID, cred)
	if err != nil {
		s.log.Warn("dial failed", logx.Err(err))
		return CloseUnknown, err
	}

	s.setLink(link)
	defer s.setLink(nil)
	defer link.Close()

	reason := CloseUnknown
	for {
		select {
		case <-ctx.Done():
			s.transition(StateDisconnected, "")
			return reason, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.transition(StateDisconnected, "")
				return reason, nil
			}
			switch ev.Kind {
			case EventQR:
				s.transition(StateAwaitingQR, ev.QR)
				release()
			case EventConnected:
				s.transition(StateConnected, "")
				s.resetFailures()
				s.persist(ev.Credential)
				release()
				s.log.Info("session connected")
			case EventCredential:
				s.persist(ev.Credential)
			case EventClosed:
				reason = ev.Reason
				s.transition(StateDisconnected, "")
				s.log.Info("link closed", logx.String("reason", reason.String()))
				return reason, nil
			}
		}
	}
}

// terminate marks the session logged out and invalidates the stored
// credential, keeping a timestamped backup.
func (s *Session) terminate() {
	s.mu.Lock()
	s.loggedOut = true
	s.state = StateDisconnected
	s.qr = ""
	s.lastSeen = time.Now()
	s.mu.Unlock()

	bak, err := s.creds.Backup(s.userID, time.Now())
	if err != nil {
		s.log.Error("credential invalidation failed", logx.Err(err))
		return
	}
	s.log.Warn("session logged out; credential invalidated", logx.String("backup", bak))
}

func (s *Session) transition(to State, qr string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.qr = qr
	s.lastSeen = time.Now()
	if to == StateConnected {
		s.lastConnected = s.lastSeen
	}
	s.mu.Unlock()
	if from != to {
		s.log.Debug("state change", logx.String("from", from.String()), logx.String("to", to.String()))
	}
}

func (s *Session) setLink(l Link) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

func (s *Session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

func (s *Session) persist(cred []byte) {
	if len(cred) == 0 {
		return
	}
	if err := s.creds.Save(s.userID, cred); err != nil {
		s.log.Error("credential persist failed", logx.Err(err))
	}
}

// sleep waits for d, a wake nudge, or cancellation. Returns false when ctx
// ended.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.wake:
		return true
	case <-ctx.Done():
		return false
	}
}
