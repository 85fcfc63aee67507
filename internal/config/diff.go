package config

import (
	"strings"

	logx "cobrabot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.morning_reminder_time", newCfg.Scheduler.MorningReminderTime),
			logx.String("scheduler.daily_report_time", newCfg.Scheduler.DailyReportTime),
		)
	}

	// WhatsApp (never log the HTTP token)
	ow, nw := oldCfg.WhatsApp, newCfg.WhatsApp
	ow.HTTP.Token, nw.HTTP.Token = "", ""
	if ow != nw || (oldCfg.WhatsApp.HTTP.Token != "") != (newCfg.WhatsApp.HTTP.Token != "") {
		changed = append(changed, "whatsapp")
		attrs = append(attrs,
			logx.Int("whatsapp.admission_cap", newCfg.WhatsApp.AdmissionCap),
			logx.String("whatsapp.health_interval", newCfg.WhatsApp.HealthInterval),
			logx.Bool("whatsapp.http_enabled", newCfg.WhatsApp.HTTP.Enabled),
			logx.Bool("whatsapp.http_token_set", strings.TrimSpace(newCfg.WhatsApp.HTTP.Token) != ""),
		)
	}

	// Payments (never log the gateway token)
	op, np := oldCfg.Payments, newCfg.Payments
	op.GatewayToken, np.GatewayToken = "", ""
	if op != np || (oldCfg.Payments.GatewayToken != "") != (newCfg.Payments.GatewayToken != "") {
		changed = append(changed, "payments")
		attrs = append(attrs,
			logx.Bool("payments.enabled", newCfg.Payments.Enabled),
			logx.String("payments.poll_interval", newCfg.Payments.PollInterval),
			logx.String("payments.expiry_age", newCfg.Payments.ExpiryAge),
		)
	}

	// Telegram (never log token)
	if (oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
		)
	}

	return changed, attrs
}
