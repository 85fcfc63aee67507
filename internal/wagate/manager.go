package wagate

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "cobrabot/pkg/logx"
)

const (
	defaultAdmissionCap   = 2
	defaultAdmissionWait  = 90 * time.Second
	defaultConnectJitter  = 3 * time.Second
	defaultReconnectBase  = 2 * time.Second
	defaultReconnectMax   = 5 * time.Minute
	defaultHealthInterval = 5 * time.Minute
	defaultStuckGrace     = 10 * time.Minute
	defaultRatePerMinute  = 20
	defaultCountryPrefix  = "55"
)

// HTTPConfig controls the optional control surface.
type HTTPConfig struct {
	Enabled bool
	Addr    string
	Token   string
}

// Config controls the connection manager.
type Config struct {
	SessionsDir    string
	AdmissionCap   int
	AdmissionWait  time.Duration
	ConnectJitter  time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	HealthInterval time.Duration
	StuckGrace     time.Duration
	RatePerMinute  int
	CountryPrefix  string
	HTTP           HTTPConfig
}

func (c Config) withDefaults() Config {
	if c.AdmissionCap <= 0 {
		c.AdmissionCap = defaultAdmissionCap
	}
	if c.AdmissionWait <= 0 {
		c.AdmissionWait = defaultAdmissionWait
	}
	if c.ConnectJitter < 0 {
		c.ConnectJitter = defaultConnectJitter
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.StuckGrace <= 0 {
		c.StuckGrace = defaultStuckGrace
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = defaultRatePerMinute
	}
	if strings.TrimSpace(c.CountryPrefix) == "" {
		c.CountryPrefix = defaultCountryPrefix
	}
	return c
}

// Manager owns every user session. Sessions survive the full process life;
// disconnecting stops the run loop but keeps the Session so status stays
// queryable.
type Manager struct {
	cfg       Config
	transport Transport
	gate      *admissionGate
	creds     *credStore
	log       logx.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[int64]*Session
}

func New(cfg Config, t Transport, log logx.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	creds, err := newCredStore(cfg.SessionsDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		transport: t,
		gate:      newAdmissionGate(cfg.AdmissionCap, cfg.AdmissionWait),
		creds:     creds,
		log:       log,
		sessions:  make(map[int64]*Session),
	}, nil
}

func (m *Manager) HealthInterval() time.Duration { return m.cfg.HealthInterval }

// Start loads every persisted credential and schedules a reconnect for each
// user through the admission gate, so a deploy does not force re-pairing.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	saved, err := m.creds.LoadAll()
	if err != nil {
		return err
	}
	for userID := range saved {
		m.session(userID).start(m.runCtx)
	}
	m.log.Info("connection manager started",
		logx.Int("sessions", len(saved)),
		logx.Int("admission_cap", m.cfg.AdmissionCap),
		logx.String("sessions_dir", m.cfg.SessionsDir))
	return nil
}

// Stop closes every session without logging out, preserving credentials.
func (m *Manager) Stop(ctx context.Context) {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.stop(ctx)
	}
	m.log.Info("connection manager stopped", logx.Int("sessions", len(all)))
}

// session returns the user's Session, creating one on first use.
func (m *Manager) session(userID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[userID]
	if s == nil {
		s = newSession(userID, m.transport, m.gate, m.creds, m.cfg, m.log)
		m.sessions[userID] = s
	}
	return s
}

func (m *Manager) lookup(userID int64) (*Session, error) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// Connect starts (or wakes) the user's session run loop. The dial itself is
// asynchronous; poll Status or QR for progress.
func (m *Manager) Connect(_ context.Context, userID int64) {
	m.session(userID).start(m.runCtx)
}

// Disconnect stops the run loop and closes the link. No logout: the
// credential stays on disk and Reconnect resumes without a new pairing.
func (m *Manager) Disconnect(ctx context.Context, userID int64) error {
	s, err := m.lookup(userID)
	if err != nil {
		return err
	}
	s.stop(ctx)
	return nil
}

// Reconnect restarts the session. Idempotent: an already running session just
// gets its backoff sleep cut short.
func (m *Manager) Reconnect(_ context.Context, userID int64) {
	m.session(userID).start(m.runCtx)
}

// Reset logs the session out remotely and invalidates the stored credential
// after writing a timestamped backup. The next Connect starts a fresh pairing.
func (m *Manager) Reset(ctx context.Context, userID int64) error {
	s, err := m.lookup(userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	s.stop(ctx)
	if link != nil {
		if err := link.Logout(ctx); err != nil {
			s.log.Warn("remote logout failed", logx.Err(err))
		}
	}
	bak, err := m.creds.Backup(userID, time.Now())
	if err != nil {
		return err
	}
	m.log.Info("session reset", logx.Int64("user", userID), logx.String("backup", bak))
	return nil
}

// Status reports the session snapshot. Users without a session report as
// disconnected rather than erroring; the control surface treats absence and
// never-connected the same way.
func (m *Manager) Status(userID int64) Status {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return Status{UserID: userID, State: StateDisconnected.String()}
	}
	return s.Status()
}

// QR returns the current pairing code for a session awaiting a scan.
func (m *Manager) QR(userID int64) (string, error) {
	s, err := m.lookup(userID)
	if err != nil {
		return "", err
	}
	st := s.Status()
	if st.QR == "" {
		return "", ErrQRNotAvailable
	}
	return st.QR, nil
}

// Send normalizes the phone number and delivers text over the user's live
// session. Fails fast with ErrNotConnected; nothing is queued.
func (m *Manager) Send(ctx context.Context, userID int64, phone, text string) (string, error) {
	s, err := m.lookup(userID)
	if err != nil {
		return "", err
	}
	jid, err := normalizePhone(phone, m.cfg.CountryPrefix)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, jid, text)
}

// Statuses snapshots every known session, for the health endpoint.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.Status())
	}
	return out
}

// HealthCheck restarts sessions stuck disconnected past the grace period.
// Logged-out sessions are skipped; those need an explicit reset and pairing.
func (m *Manager) HealthCheck(now time.Time) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		st := s.Status()
		if st.Connected || st.LoggedOut || st.State == StateAwaitingQR.String() {
			continue
		}
		ref := st.LastSeen
		if ref.IsZero() {
			continue
		}
		if now.Sub(ref) < m.cfg.StuckGrace {
			continue
		}
		m.log.Warn("session stuck disconnected; forcing reconnect",
			logx.Int64("user", st.UserID),
			logx.Duration("for", now.Sub(ref)))
		s.start(m.runCtx)
	}
}
