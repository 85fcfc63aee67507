package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cobrabot/internal/store"
	logx "cobrabot/pkg/logx"
)

// Dispatcher delivers one reminder to one client. Implemented by the
// WhatsApp connection manager. A failure means this one target was not
// reached this cycle; it is never escalated to the whole batch.
type Dispatcher interface {
	SendReminder(ctx context.Context, userID int64, c store.Client, text string) (ackID string, err error)
}

// Reporter delivers the daily summary to the user themselves.
type Reporter interface {
	SendReport(ctx context.Context, u store.User, text string) error
}

// Renderer produces the message text for a reminder kind. Template storage
// and variable substitution live with the front-end collaborator.
type Renderer interface {
	Render(kind store.TaskKind, c store.Client) (string, error)
}

type Config struct {
	Enabled bool
	Tick    time.Duration
	Workers int

	DefaultReminderTime TimeOfDay
	DefaultReportTime   TimeOfDay

	// SendRetryMax bounds in-tick retries per target before that target is
	// given up for the day.
	SendRetryMax int

	Timezone *time.Location
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.DefaultReminderTime == (TimeOfDay{}) {
		c.DefaultReminderTime = TimeOfDay{Hour: 9}
	}
	if c.DefaultReportTime == (TimeOfDay{}) {
		c.DefaultReportTime = TimeOfDay{Hour: 8}
	}
	if c.SendRetryMax < 0 {
		c.SendRetryMax = 0
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
	return c
}

type job struct {
	user store.User
	now  time.Time
}

// Service is the scheduler core: a per-minute due check over every active
// user, dispatching due reminder/report batches and recording each completed
// batch in the execution ledger.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	st   store.Store
	disp Dispatcher
	rep  Reporter
	rend Renderer

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	// inFlight guards against a slow batch overlapping with the next tick
	// for the same user.
	ifMu     sync.Mutex
	inFlight map[int64]bool
}

func New(cfg Config, st store.Store, disp Dispatcher, rep Reporter, rend Renderer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		st:       st,
		disp:     disp,
		rep:      rep,
		rend:     rend,
		inFlight: map[int64]bool{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) TickInterval() time.Duration { return s.cfg.Tick }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan job, 64)

	// Batches write audit rows and the ledger; the parent's cancellation on
	// shutdown must not poison those writes mid-batch. Workers run detached,
	// Stop bounds the grace period.
	bctx := context.WithoutCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(bctx, s.stopCh, s.queue)
	}
	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("tick", s.cfg.Tick),
		logx.String("tz", s.cfg.Timezone.String()))
}

// Stop waits for in-flight batches so their ledger writes complete before the
// process exits.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for batches", logx.Err(ctx.Err()))
	}

	// Queued jobs the workers never picked up still hold reservations; drop
	// them so a later Start does not skip those users.
	s.ifMu.Lock()
	s.inFlight = map[int64]bool{}
	s.ifMu.Unlock()
	s.log.Info("scheduler stopped")
}

// Tick runs one due-check cycle at the given wall-clock time. It enqueues a
// batch per active user; user batches run concurrently on the worker pool and
// failures stay isolated per user.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	users, err := s.st.ListActiveUsers(ctx)
	if err != nil {
		s.log.Error("list users failed", logx.Err(err))
		return
	}
	s.log.Debug("due check", logx.Int("users", len(users)), logx.Time("now", now))

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}

	for _, u := range users {
		s.ifMu.Lock()
		busy := s.inFlight[u.ID]
		if !busy {
			s.inFlight[u.ID] = true
		}
		s.ifMu.Unlock()
		if busy {
			s.log.Debug("user batch still running; skipping", logx.Int64("user", u.ID))
			continue
		}

		select {
		case q <- job{user: u, now: now}:
		default:
			s.clearInFlight(u.ID)
			s.log.Warn("scheduler queue full; user skipped this tick", logx.Int64("user", u.ID))
		}
	}
}

func (s *Service) clearInFlight(userID int64) {
	s.ifMu.Lock()
	delete(s.inFlight, userID)
	s.ifMu.Unlock()
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	defer s.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case j := <-queue:
			s.runUser(ctx, j)
		}
	}
}

// runUser evaluates every task kind for one user. A panic or error here must
// not leak into other users' batches.
func (s *Service) runUser(ctx context.Context, j job) {
	defer s.clearInFlight(j.user.ID)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("user batch panicked", logx.Int64("user", j.user.ID), logx.Any("panic", r))
		}
	}()

	st, err := s.st.EnsureSettings(ctx, j.user.ID, store.Settings{
		UserID:              j.user.ID,
		MorningReminderTime: s.cfg.DefaultReminderTime.String(),
		DailyReportTime:     s.cfg.DefaultReportTime.String(),
		AutoSendEnabled:     true,
	})
	if err != nil {
		s.log.Error("load settings failed", logx.Int64("user", j.user.ID), logx.Err(err))
		return
	}

	today := store.DateOf(j.now, s.cfg.Timezone)

	if st.AutoSendEnabled {
		at := ParseTimeOfDayOr(st.MorningReminderTime, s.cfg.DefaultReminderTime)
		for _, kind := range store.ReminderKinds {
			s.runKind(ctx, j.user, kind, at, j.now, today)
		}
	}

	at := ParseTimeOfDayOr(st.DailyReportTime, s.cfg.DefaultReportTime)
	s.runReportKind(ctx, j.user, at, j.now, today)
}

// runKind fires one reminder kind if due. The ledger row is written after the
// whole batch was attempted, regardless of individual target outcomes, and is
// NOT written when the batch itself could not run, so the next tick retries.
func (s *Service) runKind(ctx context.Context, u store.User, kind store.TaskKind, at TimeOfDay, now time.Time, today string) {
	last, err := s.st.LastRun(ctx, u.ID, kind)
	if err != nil {
		s.log.Error("ledger read failed", logx.Int64("user", u.ID), logx.String("kind", string(kind)), logx.Err(err))
		return
	}
	if !Due(now, at, last, s.cfg.Timezone) {
		return
	}

	if err := s.dispatchReminders(ctx, u, kind, today); err != nil {
		s.log.Error("reminder batch failed; will retry next tick",
			logx.Int64("user", u.ID), logx.String("kind", string(kind)), logx.Err(err))
		return
	}

	if err := s.st.MarkRun(ctx, u.ID, kind, today); err != nil {
		// A failed ledger write must not imply the task ran; next tick retries
		// and the per-client audit dedup prevents duplicate sends.
		s.log.Error("ledger write failed", logx.Int64("user", u.ID), logx.String("kind", string(kind)), logx.Err(err))
	}
}

// dispatchReminders sends this kind's reminder to every eligible client.
// Per-target failures are logged and audited, never returned; only a failure
// to produce the batch at all is an error.
func (s *Service) dispatchReminders(ctx context.Context, u store.User, kind store.TaskKind, today string) error {
	targetDate := store.AddDays(today, kind.Offset())
	clients, err := s.st.ClientsDueOn(ctx, u.ID, targetDate)
	if err != nil {
		return fmt.Errorf("clients due on %s: %w", targetDate, err)
	}
	if len(clients) == 0 {
		return nil
	}

	s.log.Info("dispatching reminders",
		logx.Int64("user", u.ID),
		logx.String("kind", string(kind)),
		logx.Int("targets", len(clients)))

	sent, failed := 0, 0
	for _, c := range clients {
		// A batch retried after a partial failure skips clients already
		// reached today.
		done, err := s.st.SentToday(ctx, u.ID, c.ID, kind, today)
		if err != nil {
			return fmt.Errorf("audit lookup: %w", err)
		}
		if done {
			continue
		}

		text, err := s.rend.Render(kind, c)
		if err != nil {
			failed++
			s.audit(ctx, u.ID, c, kind, today, "", fmt.Errorf("render: %w", err))
			continue
		}

		ack, err := s.sendWithRetry(ctx, u.ID, c, text)
		s.audit(ctx, u.ID, c, kind, today, ack, err)
		if err != nil {
			failed++
			continue
		}
		sent++
	}

	if failed > 0 {
		s.log.Warn("reminder batch finished with failures",
			logx.Int64("user", u.ID), logx.String("kind", string(kind)),
			logx.Int("sent", sent), logx.Int("failed", failed))
	}
	return nil
}

func (s *Service) sendWithRetry(ctx context.Context, userID int64, c store.Client, text string) (string, error) {
	var last error
	for i := 0; i <= s.cfg.SendRetryMax; i++ {
		ack, err := s.disp.SendReminder(ctx, userID, c, text)
		if err == nil {
			return ack, nil
		}
		last = err
		if i == s.cfg.SendRetryMax {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return "", ctx.Err()
		case <-tmr.C:
		}
	}
	return "", last
}

func (s *Service) audit(ctx context.Context, userID int64, c store.Client, kind store.TaskKind, today, ack string, sendErr error) {
	e := store.MessageLog{
		UserID:   userID,
		ClientID: c.ID,
		Kind:     kind,
		RunDate:  today,
		Phone:    c.Phone,
		Status:   "sent",
		AckID:    ack,
	}
	if sendErr != nil {
		e.Status = "failed"
		e.Error = sendErr.Error()
		s.log.Warn("reminder send failed",
			logx.Int64("user", userID), logx.Int64("client", c.ID),
			logx.String("kind", string(kind)), logx.Err(sendErr))
	}
	if err := s.st.AppendMessageLog(ctx, e); err != nil {
		s.log.Error("message audit write failed", logx.Int64("user", userID), logx.Err(err))
	}
}

// SweepOverdueClients marks clients past their due date inactive. Runs on its
// own (hourly) schedule, independent of the per-minute due check.
func (s *Service) SweepOverdueClients(ctx context.Context, now time.Time) {
	today := store.DateOf(now, s.cfg.Timezone)
	n, err := s.st.DeactivateOverdueClients(ctx, today)
	if err != nil {
		s.log.Error("overdue sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("overdue clients deactivated", logx.Int64("count", n))
	}
}
