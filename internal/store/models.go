package store

import "time"

// TaskKind identifies one daily automated task. Each kind gets its own
// execution-ledger row per (user, date), so a client due today does not also
// receive the one-day-ahead reminder.
type TaskKind string

const (
	TaskReminder2Days   TaskKind = "reminder_2_days"
	TaskReminder1Day    TaskKind = "reminder_1_day"
	TaskReminderDueDate TaskKind = "reminder_due_date"
	TaskReminderOverdue TaskKind = "reminder_overdue"
	TaskDailyReport     TaskKind = "daily_report"
)

// ReminderKinds in due-date-offset order: -2, -1, 0 (due today), +1 (overdue).
var ReminderKinds = []TaskKind{
	TaskReminder2Days,
	TaskReminder1Day,
	TaskReminderDueDate,
	TaskReminderOverdue,
}

// Offset returns the signed day count between today and the client due date
// this reminder kind targets (due_date = today + Offset days).
func (k TaskKind) Offset() int {
	switch k {
	case TaskReminder2Days:
		return 2
	case TaskReminder1Day:
		return 1
	case TaskReminderDueDate:
		return 0
	case TaskReminderOverdue:
		return -1
	}
	return 0
}

// Payment status values. pending -> approved and pending -> expired are the
// only legal transitions; both are claimed with a conditional update.
const (
	PaymentPending  = "pending"
	PaymentApproved = "approved"
	PaymentExpired  = "expired"
)

// Client status values.
const (
	ClientActive   = "active"
	ClientInactive = "inactive"
)

// User is an operator account (one WhatsApp session, one Telegram chat).
type User struct {
	ID        int64
	ChatID    int64
	Name      string
	IsActive  bool
	IsTrial   bool
	NextDue   string // civil date "YYYY-MM-DD", empty if unset
	CreatedAt time.Time
}

// Settings holds a user's configured trigger times. Defaults are created on
// first access and rows are only ever reset, never deleted.
type Settings struct {
	UserID              int64
	MorningReminderTime string // "HH:MM"
	DailyReportTime     string // "HH:MM"
	AutoSendEnabled     bool
}

// Client is one of a user's subscribers.
type Client struct {
	ID                   int64
	UserID               int64
	Name                 string
	Phone                string
	PlanName             string
	PlanPrice            float64
	DueDate              string // civil date "YYYY-MM-DD"
	Status               string
	AutoRemindersEnabled bool
}

// Payment is a pending gateway charge awaiting settlement.
type Payment struct {
	ID        string
	UserID    int64
	Amount    float64
	Status    string
	CreatedAt time.Time
	PaidAt    time.Time // zero unless approved
	ExpiresAt time.Time // subscription end, zero unless approved
}

// MessageLog records one per-target dispatch attempt (audit trail; also the
// per-client daily dedup source when a partially failed batch retries).
type MessageLog struct {
	UserID   int64
	ClientID int64
	Kind     TaskKind
	RunDate  string // civil date "YYYY-MM-DD"
	Phone    string
	Status   string // "sent" | "failed"
	AckID    string
	Error    string
	SentAt   time.Time
}
