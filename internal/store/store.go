package store

import (
	"context"
	"time"
)

// Store is the persistence API shared by the scheduler, the connection
// manager's audit path and the settlement poller. All row transitions that
// matter for exactly-once behavior are claimed atomically inside the store,
// so the periodic loops need no cross-loop locking.
type Store interface {
	// Users + schedule settings.
	AddUser(ctx context.Context, u User) error
	ListActiveUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	// EnsureSettings returns the user's settings, creating a row with the
	// given defaults on first access.
	EnsureSettings(ctx context.Context, userID int64, def Settings) (Settings, error)
	ResetSettings(ctx context.Context, userID int64, def Settings) error

	// Execution ledger. LastRun returns the newest recorded run date
	// ("YYYY-MM-DD"), or "" when the task never ran. MarkRun is idempotent
	// per (user, kind, date).
	LastRun(ctx context.Context, userID int64, kind TaskKind) (string, error)
	MarkRun(ctx context.Context, userID int64, kind TaskKind, runDate string) error

	// Clients.
	AddClient(ctx context.Context, c Client) (int64, error)
	ClientsDueOn(ctx context.Context, userID int64, dueDate string) ([]Client, error)
	ListActiveClients(ctx context.Context, userID int64) ([]Client, error)
	DeactivateOverdueClients(ctx context.Context, today string) (int64, error)

	// Payments. Claim* restrict the update to rows still pending and report
	// whether this caller won the transition.
	AddPayment(ctx context.Context, p Payment) error
	ListPendingPayments(ctx context.Context) ([]Payment, error)
	ClaimPaymentApproved(ctx context.Context, id string, paidAt, expiresAt time.Time) (bool, error)
	ClaimPaymentExpired(ctx context.Context, id string) (bool, error)
	ActivateUser(ctx context.Context, userID int64, nextDue string) error

	// Dispatch audit.
	AppendMessageLog(ctx context.Context, e MessageLog) error
	SentToday(ctx context.Context, userID, clientID int64, kind TaskKind, runDate string) (bool, error)

	Close() error
}

// DateOf formats t as a civil date in loc. The ledger, due-date offsets and
// "today" comparisons all use this one representation.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// AddDays shifts a civil date string by n days.
func AddDays(date string, n int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, n).Format("2006-01-02")
}
