package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "cobrabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, applying pragmas and migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Users + settings ----

func (s *sqliteStore) AddUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, chat_id, name, is_active, is_trial, next_due, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		u.ID, u.ChatID, u.Name, boolInt(u.IsActive), boolInt(u.IsTrial),
		nullStr(u.NextDue), u.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListActiveUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, name, is_active, is_trial, COALESCE(next_due, ''), created_at
		   FROM users WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetUser(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, name, is_active, is_trial, COALESCE(next_due, ''), created_at
		   FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (User, error) {
	var u User
	var active, trial int
	var created string
	if err := r.Scan(&u.ID, &u.ChatID, &u.Name, &active, &trial, &u.NextDue, &created); err != nil {
		return User{}, err
	}
	u.IsActive = active != 0
	u.IsTrial = trial != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return u, nil
}

func (s *sqliteStore) EnsureSettings(ctx context.Context, userID int64, def Settings) (Settings, error) {
	// Insert defaults only when no row exists yet, then read back whatever is
	// current. Two concurrent first accesses both end up with the same row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_settings(user_id, morning_reminder_time, daily_report_time, auto_send_enabled)
		 VALUES(?,?,?,?) ON CONFLICT(user_id) DO NOTHING`,
		userID, def.MorningReminderTime, def.DailyReportTime, boolInt(def.AutoSendEnabled))
	if err != nil {
		return Settings{}, err
	}

	var st Settings
	var auto int
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, morning_reminder_time, daily_report_time, auto_send_enabled
		   FROM schedule_settings WHERE user_id = ?`, userID).
		Scan(&st.UserID, &st.MorningReminderTime, &st.DailyReportTime, &auto)
	if err != nil {
		return Settings{}, err
	}
	st.AutoSendEnabled = auto != 0
	return st, nil
}

func (s *sqliteStore) ResetSettings(ctx context.Context, userID int64, def Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_settings(user_id, morning_reminder_time, daily_report_time, auto_send_enabled)
		 VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   morning_reminder_time = excluded.morning_reminder_time,
		   daily_report_time     = excluded.daily_report_time,
		   auto_send_enabled     = excluded.auto_send_enabled`,
		userID, def.MorningReminderTime, def.DailyReportTime, boolInt(def.AutoSendEnabled))
	return err
}

// ---- Execution ledger ----

func (s *sqliteStore) LastRun(ctx context.Context, userID int64, kind TaskKind) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_date FROM task_runs WHERE user_id = ? AND kind = ?
		  ORDER BY run_date DESC LIMIT 1`, userID, string(kind)).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return d, nil
}

func (s *sqliteStore) MarkRun(ctx context.Context, userID int64, kind TaskKind, runDate string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(user_id, kind, run_date) VALUES(?,?,?)
		 ON CONFLICT(user_id, kind, run_date) DO NOTHING`,
		userID, string(kind), runDate)
	return err
}

// ---- Clients ----

const clientCols = `id, user_id, name, phone, plan_name, plan_price, COALESCE(due_date, ''), status, auto_reminders_enabled`

func (s *sqliteStore) AddClient(ctx context.Context, c Client) (int64, error) {
	if c.Status == "" {
		c.Status = ClientActive
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients(user_id, name, phone, plan_name, plan_price, due_date, status, auto_reminders_enabled)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.UserID, c.Name, c.Phone, c.PlanName, c.PlanPrice,
		nullStr(c.DueDate), c.Status, boolInt(c.AutoRemindersEnabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ClientsDueOn(ctx context.Context, userID int64, dueDate string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientCols+` FROM clients
		  WHERE user_id = ? AND status = ? AND due_date = ? AND auto_reminders_enabled = 1
		  ORDER BY id`,
		userID, ClientActive, dueDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClients(rows)
}

func (s *sqliteStore) ListActiveClients(ctx context.Context, userID int64) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientCols+` FROM clients WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, ClientActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClients(rows)
}

func collectClients(rows *sql.Rows) ([]Client, error) {
	var out []Client
	for rows.Next() {
		var c Client
		var auto int
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.PlanName, &c.PlanPrice,
			&c.DueDate, &c.Status, &auto); err != nil {
			return nil, err
		}
		c.AutoRemindersEnabled = auto != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateOverdueClients(ctx context.Context, today string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET status = ? WHERE status = ? AND due_date IS NOT NULL AND due_date < ?`,
		ClientInactive, ClientActive, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Payments ----

func (s *sqliteStore) AddPayment(ctx context.Context, p Payment) error {
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments(id, user_id, amount, status, created_at) VALUES(?,?,?,?,?)`,
		p.ID, p.UserID, p.Amount, p.Status, p.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListPendingPayments(ctx context.Context) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, status, created_at FROM payments
		  WHERE status = ? ORDER BY created_at`, PaymentPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var created string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &created); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimPaymentApproved transitions a payment pending -> approved. The WHERE
// clause restricts the update to rows still pending, so of two racing poll
// cycles exactly one observes claimed == true.
func (s *sqliteStore) ClaimPaymentApproved(ctx context.Context, id string, paidAt, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, paid_at = ?, expires_at = ?
		  WHERE id = ? AND status = ?`,
		PaymentApproved,
		paidAt.UTC().Format(time.RFC3339Nano),
		expiresAt.UTC().Format(time.RFC3339Nano),
		id, PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ClaimPaymentExpired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE id = ? AND status = ?`,
		PaymentExpired, id, PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ActivateUser(ctx context.Context, userID int64, nextDue string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = 1, is_trial = 0, next_due = ? WHERE id = ?`,
		nextDue, userID)
	return err
}

// ---- Dispatch audit ----

func (s *sqliteStore) AppendMessageLog(ctx context.Context, e MessageLog) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log(user_id, client_id, kind, run_date, phone, status, ack_id, err, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.UserID, e.ClientID, string(e.Kind), e.RunDate, e.Phone, e.Status,
		nullStr(e.AckID), nullStr(e.Error), e.SentAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) SentToday(ctx context.Context, userID, clientID int64, kind TaskKind, runDate string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM message_log
		  WHERE user_id = ? AND client_id = ? AND kind = ? AND run_date = ? AND status = 'sent'
		  LIMIT 1`,
		userID, clientID, string(kind), runDate).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
