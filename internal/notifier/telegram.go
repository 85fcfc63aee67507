// Package notifier delivers operator-facing Telegram messages: the daily
// due-date report and the one-time payment activation notice. It is send-only;
// no updates are polled and no handlers are registered.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"cobrabot/internal/payments"
	"cobrabot/internal/sched"
	"cobrabot/internal/store"
	logx "cobrabot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec bounds outbound sends across all chats. Telegram allows
	// roughly 30 messages per second bot-wide; default stays well under.
	RatePerSec float64
}

type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier: telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Telegram{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log,
	}, nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return errors.New("notifier: user has no telegram chat")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(chatID), text, tele.ModeMarkdown)
	return err
}

// SendReport delivers the daily summary to the user's own chat.
func (t *Telegram) SendReport(ctx context.Context, u store.User, text string) error {
	if err := t.send(ctx, u.ChatID, text); err != nil {
		return fmt.Errorf("notifier: report to user %d: %w", u.ID, err)
	}
	return nil
}

// PaymentApproved sends the activation notice after a settled charge.
func (t *Telegram) PaymentApproved(ctx context.Context, u store.User, p store.Payment) error {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = "there"
	}
	text := fmt.Sprintf(
		"*Payment confirmed* ✅\n\nHi %s, your payment of %.2f was approved.\nYour subscription is active until %s.",
		name, p.Amount, p.ExpiresAt.Format("02/01/2006"))
	if err := t.send(ctx, u.ChatID, text); err != nil {
		return fmt.Errorf("notifier: activation notice to user %d: %w", u.ID, err)
	}
	t.log.Debug("activation notice sent",
		logx.Int64("user", u.ID),
		logx.String("payment", p.ID),
		logx.Time("expires", p.ExpiresAt))
	return nil
}

var (
	_ sched.Reporter    = (*Telegram)(nil)
	_ payments.Notifier = (*Telegram)(nil)
)
