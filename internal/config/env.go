package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays recognized environment variables on top of a parsed config.
// The file stays the source of truth; env vars exist for containerized deploys
// where editing the config file is awkward.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}

	setStr(&cfg.Timezone, "COBRABOT_TIMEZONE")
	setStr(&cfg.Storage.Path, "COBRABOT_DB_PATH")

	setStr(&cfg.Scheduler.Tick, "COBRABOT_SCHEDULER_TICK")
	setStr(&cfg.Scheduler.MorningReminderTime, "COBRABOT_DEFAULT_REMINDER_TIME")
	setStr(&cfg.Scheduler.DailyReportTime, "COBRABOT_DEFAULT_REPORT_TIME")

	setInt(&cfg.WhatsApp.AdmissionCap, "COBRABOT_WA_ADMISSION_CAP")
	setStr(&cfg.WhatsApp.ReconnectBase, "COBRABOT_WA_RECONNECT_BASE")
	setStr(&cfg.WhatsApp.ReconnectMax, "COBRABOT_WA_RECONNECT_MAX")
	setStr(&cfg.WhatsApp.HealthInterval, "COBRABOT_WA_HEALTH_INTERVAL")
	setStr(&cfg.WhatsApp.SessionsDir, "COBRABOT_WA_SESSIONS_DIR")
	setStr(&cfg.WhatsApp.BridgeURL, "COBRABOT_WA_BRIDGE_URL")
	setStr(&cfg.WhatsApp.HTTP.Addr, "COBRABOT_WA_HTTP_ADDR")
	setStr(&cfg.WhatsApp.HTTP.Token, "COBRABOT_WA_HTTP_TOKEN")

	setStr(&cfg.Payments.PollInterval, "COBRABOT_PAYMENT_POLL_INTERVAL")
	setStr(&cfg.Payments.ExpiryAge, "COBRABOT_PAYMENT_EXPIRY_AGE")
	setStr(&cfg.Payments.GatewayURL, "COBRABOT_PAYMENT_GATEWAY_URL")
	setStr(&cfg.Payments.GatewayToken, "COBRABOT_PAYMENT_GATEWAY_TOKEN")

	setStr(&cfg.Telegram.Token, "COBRABOT_TELEGRAM_TOKEN")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
