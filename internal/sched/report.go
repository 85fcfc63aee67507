package sched

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cobrabot/internal/store"
	logx "cobrabot/pkg/logx"
)

// runReportKind fires the daily report if due. An empty report (no clients in
// any bucket) still marks the day done so the check does not repeat all day.
func (s *Service) runReportKind(ctx context.Context, u store.User, at TimeOfDay, now time.Time, today string) {
	last, err := s.st.LastRun(ctx, u.ID, store.TaskDailyReport)
	if err != nil {
		s.log.Error("ledger read failed", logx.Int64("user", u.ID), logx.String("kind", string(store.TaskDailyReport)), logx.Err(err))
		return
	}
	if !Due(now, at, last, s.cfg.Timezone) {
		return
	}

	clients, err := s.st.ListActiveClients(ctx, u.ID)
	if err != nil {
		s.log.Error("report batch failed; will retry next tick", logx.Int64("user", u.ID), logx.Err(err))
		return
	}

	rep := bucketByDueDate(clients, today)
	if !rep.empty() {
		if err := s.rep.SendReport(ctx, u, rep.format(today)); err != nil {
			s.log.Error("report send failed; will retry next tick", logx.Int64("user", u.ID), logx.Err(err))
			return
		}
	}

	if err := s.st.MarkRun(ctx, u.ID, store.TaskDailyReport, today); err != nil {
		s.log.Error("ledger write failed", logx.Int64("user", u.ID), logx.String("kind", string(store.TaskDailyReport)), logx.Err(err))
	}
}

// dueReport groups a user's active clients around today.
type dueReport struct {
	overdue  []store.Client
	today    []store.Client
	tomorrow []store.Client
	dayAfter []store.Client
}

func bucketByDueDate(clients []store.Client, today string) dueReport {
	t1 := store.AddDays(today, 1)
	t2 := store.AddDays(today, 2)

	var r dueReport
	for _, c := range clients {
		switch {
		case c.DueDate == "":
		case c.DueDate < today:
			r.overdue = append(r.overdue, c)
		case c.DueDate == today:
			r.today = append(r.today, c)
		case c.DueDate == t1:
			r.tomorrow = append(r.tomorrow, c)
		case c.DueDate == t2:
			r.dayAfter = append(r.dayAfter, c)
		}
	}
	return r
}

func (r dueReport) empty() bool {
	return len(r.overdue)+len(r.today)+len(r.tomorrow)+len(r.dayAfter) == 0
}

// format renders the summary text. Each section lists at most five clients.
func (r dueReport) format(today string) string {
	var b strings.Builder
	b.WriteString("📅 *Relatório Diário de Vencimentos*\n\n")
	section(&b, fmt.Sprintf("🔴 *%d em atraso:*", len(r.overdue)), r.overdue, func(c store.Client) string {
		return fmt.Sprintf("%s - %d dia(s)", c.Name, daysLate(today, c.DueDate))
	})
	section(&b, fmt.Sprintf("🟡 *%d vencem hoje:*", len(r.today)), r.today, clientLine)
	section(&b, fmt.Sprintf("🟠 *%d vencem amanhã:*", len(r.tomorrow)), r.tomorrow, clientLine)
	section(&b, fmt.Sprintf("🔵 *%d vencem em 2 dias:*", len(r.dayAfter)), r.dayAfter, clientLine)
	b.WriteString("📱 Use *👥 Clientes* para gerenciar.")
	return b.String()
}

func clientLine(c store.Client) string {
	return fmt.Sprintf("%s - %s", c.Name, FormatMoney(c.PlanPrice))
}

// FormatMoney renders a plan price in Brazilian format (comma decimal).
func FormatMoney(v float64) string {
	return "R$ " + strings.Replace(fmt.Sprintf("%.2f", v), ".", ",", 1)
}

func section(b *strings.Builder, title string, clients []store.Client, line func(store.Client) string) {
	if len(clients) == 0 {
		return
	}
	b.WriteString(title + "\n")
	for i, c := range clients {
		if i == 5 {
			fmt.Fprintf(b, "• … e mais %d\n", len(clients)-5)
			break
		}
		fmt.Fprintf(b, "• %s\n", line(c))
	}
	b.WriteString("\n")
}

func daysLate(today, due string) int {
	t, err1 := time.Parse("2006-01-02", today)
	d, err2 := time.Parse("2006-01-02", due)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(t.Sub(d).Hours() / 24)
}
