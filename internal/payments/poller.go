package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cobrabot/internal/store"
	logx "cobrabot/pkg/logx"
)

// GatewayStatus is the settlement state reported by the payment provider.
type GatewayStatus string

const (
	GatewayPending  GatewayStatus = "pending"
	GatewayApproved GatewayStatus = "approved"
	GatewayRejected GatewayStatus = "rejected"
)

// Gateway queries the payment provider for the settlement state of a charge.
// The provider's ledger stays external; this side only reads it.
type Gateway interface {
	CheckStatus(ctx context.Context, id string) (GatewayStatus, error)
}

// Notifier delivers the one-time activation notice after an approved claim.
type Notifier interface {
	PaymentApproved(ctx context.Context, u store.User, p store.Payment) error
}

// Store is the slice of the persistence layer the poller needs.
type Store interface {
	AddPayment(ctx context.Context, p store.Payment) error
	ListPendingPayments(ctx context.Context) ([]store.Payment, error)
	ClaimPaymentApproved(ctx context.Context, id string, paidAt, expiresAt time.Time) (bool, error)
	ClaimPaymentExpired(ctx context.Context, id string) (bool, error)
	ActivateUser(ctx context.Context, userID int64, nextDue string) error
	GetUser(ctx context.Context, userID int64) (store.User, error)
}

// Config controls the settlement poller.
type Config struct {
	Enabled bool

	// PollInterval is how often pending payments are re-checked.
	PollInterval time.Duration
	// ExpiryAge is how long a payment may sit pending before it expires.
	ExpiryAge time.Duration
	// SubscriptionDays is how far next_due_date advances on activation.
	SubscriptionDays int

	Timezone *time.Location
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Minute
	}
	if c.ExpiryAge <= 0 {
		c.ExpiryAge = 24 * time.Hour
	}
	if c.SubscriptionDays <= 0 {
		c.SubscriptionDays = 30
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	return c
}

// Poller drives pending payments to approved or expired. Every transition is
// claimed with a conditional update before any side effect, so overlapping
// poll cycles (or a concurrent webhook) produce exactly one activation.
type Poller struct {
	cfg    Config
	st     Store
	gw     Gateway
	notify Notifier
	log    logx.Logger
}

func New(cfg Config, st Store, gw Gateway, notify Notifier, log logx.Logger) *Poller {
	return &Poller{cfg: cfg.withDefaults(), st: st, gw: gw, notify: notify, log: log}
}

func (p *Poller) Enabled() bool { return p.cfg.Enabled }

func (p *Poller) PollInterval() time.Duration { return p.cfg.PollInterval }

// OpenCharge records a new pending charge for the user. The ID doubles as the
// idempotency key handed to the provider, so it is generated here rather than
// waiting for the gateway to assign one.
func (p *Poller) OpenCharge(ctx context.Context, userID int64, amount float64) (store.Payment, error) {
	pay := store.Payment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Status:    store.PaymentPending,
		CreatedAt: time.Now(),
	}
	if err := p.st.AddPayment(ctx, pay); err != nil {
		return store.Payment{}, fmt.Errorf("record charge: %w", err)
	}
	p.log.Info("charge opened",
		logx.String("payment", pay.ID),
		logx.Int64("user", userID),
		logx.Float64("amount", amount))
	return pay, nil
}

// Tick runs one poll cycle.
func (p *Poller) Tick(ctx context.Context, now time.Time) {
	pending, err := p.st.ListPendingPayments(ctx)
	if err != nil {
		p.log.Error("list pending payments failed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	p.log.Debug("settlement poll", logx.Int("pending", len(pending)))

	for _, pay := range pending {
		if ctx.Err() != nil {
			return
		}
		p.settle(ctx, pay, now)
	}
}

func (p *Poller) settle(ctx context.Context, pay store.Payment, now time.Time) {
	// Expiry is checked before the gateway: an expired charge is dead even if
	// the provider would still answer for it.
	if now.Sub(pay.CreatedAt) > p.cfg.ExpiryAge {
		won, err := p.st.ClaimPaymentExpired(ctx, pay.ID)
		if err != nil {
			p.log.Error("expiry claim failed", logx.String("payment", pay.ID), logx.Err(err))
			return
		}
		if won {
			p.log.Info("payment expired",
				logx.String("payment", pay.ID),
				logx.Int64("user", pay.UserID),
				logx.Duration("age", now.Sub(pay.CreatedAt)))
		}
		return
	}

	status, err := p.gw.CheckStatus(ctx, pay.ID)
	if err != nil {
		// Provider unreachable. The row stays pending and the next cycle
		// retries.
		p.log.Warn("settlement check failed; leaving pending",
			logx.String("payment", pay.ID), logx.Err(err))
		return
	}
	if status != GatewayApproved {
		return
	}

	expiresAt := now.AddDate(0, 0, p.cfg.SubscriptionDays)
	won, err := p.st.ClaimPaymentApproved(ctx, pay.ID, now, expiresAt)
	if err != nil {
		p.log.Error("approval claim failed", logx.String("payment", pay.ID), logx.Err(err))
		return
	}
	if !won {
		// Another cycle got here first; it owns the side effects.
		return
	}

	nextDue := store.DateOf(expiresAt, p.cfg.Timezone)
	if err := p.st.ActivateUser(ctx, pay.UserID, nextDue); err != nil {
		p.log.Error("account activation failed after approved claim",
			logx.String("payment", pay.ID), logx.Int64("user", pay.UserID), logx.Err(err))
		return
	}
	p.log.Info("payment approved; account activated",
		logx.String("payment", pay.ID),
		logx.Int64("user", pay.UserID),
		logx.String("next_due", nextDue))

	u, err := p.st.GetUser(ctx, pay.UserID)
	if err != nil {
		p.log.Warn("activation notice skipped; user lookup failed",
			logx.Int64("user", pay.UserID), logx.Err(err))
		return
	}
	pay.Status = store.PaymentApproved
	pay.PaidAt = now
	pay.ExpiresAt = expiresAt
	if err := p.notify.PaymentApproved(ctx, u, pay); err != nil {
		p.log.Warn("activation notice failed", logx.Int64("user", pay.UserID), logx.Err(err))
	}
}
