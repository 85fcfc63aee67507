package notifier

import (
	"fmt"
	"strings"
	"time"

	"cobrabot/internal/sched"
	"cobrabot/internal/store"
)

// FixedRenderer produces the built-in reminder texts. Per-user editable
// templates stayed on the chat front-end side; the scheduler falls back to
// these when it has nothing else.
type FixedRenderer struct{}

var _ sched.Renderer = FixedRenderer{}

func (FixedRenderer) Render(kind store.TaskKind, c store.Client) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "Cliente"
	}
	plan := strings.TrimSpace(c.PlanName)
	if plan == "" {
		plan = "Plano"
	}
	valor := sched.FormatMoney(c.PlanPrice)
	venc := formatDueDate(c.DueDate)

	switch kind {
	case store.TaskReminder2Days:
		return fmt.Sprintf(
			"Olá %s! 👋\n\nSeu plano *%s* vence em 2 dias (%s).\nValor: %s\n\nEvite a interrupção do serviço renovando com antecedência.",
			name, plan, venc, valor), nil
	case store.TaskReminder1Day:
		return fmt.Sprintf(
			"Olá %s! 👋\n\nSeu plano *%s* vence amanhã (%s).\nValor: %s\n\nRenove hoje para não perder o acesso.",
			name, plan, venc, valor), nil
	case store.TaskReminderDueDate:
		return fmt.Sprintf(
			"Olá %s! ⚠️\n\nSeu plano *%s* vence hoje (%s).\nValor: %s\n\nRenove ainda hoje para manter o serviço ativo.",
			name, plan, venc, valor), nil
	case store.TaskReminderOverdue:
		return fmt.Sprintf(
			"Olá %s! 🔴\n\nSeu plano *%s* venceu em %s e está em atraso.\nValor: %s\n\nRegularize para reativar o serviço.",
			name, plan, venc, valor), nil
	}
	return "", fmt.Errorf("notifier: no template for task kind %q", kind)
}

func formatDueDate(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.Format("02/01/2006")
}
