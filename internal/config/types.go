package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Timezone is the IANA zone that defines "today" for the execution ledger
	// and the due-date offsets. One fixed zone for all users.
	Timezone string `json:"timezone,omitempty"`

	// Scheduler controls the daily reminder/report loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// WhatsApp controls the connection manager (sessions, admission, HTTP surface).
	WhatsApp WhatsAppConfig `json:"whatsapp"`

	// Payments controls the settlement poller.
	Payments PaymentsConfig `json:"payments"`

	// Telegram configures the outbound report/notification sender.
	Telegram TelegramConfig `json:"telegram"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the per-minute due check.
//
// All durations are Go duration strings (e.g. "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - workers: 2
//   - morning_reminder_time: "09:00"
//   - daily_report_time: "08:00"
//   - send_retry_max: 2
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
	Workers int    `json:"workers,omitempty"`

	// Default time-of-day values applied when a user has no settings row yet.
	MorningReminderTime string `json:"morning_reminder_time,omitempty"`
	DailyReportTime     string `json:"daily_report_time,omitempty"`

	// In-tick retries for a single target before that target is given up for the day.
	SendRetryMax int `json:"send_retry_max,omitempty"`
}

// WhatsAppConfig controls session establishment and the HTTP control surface.
//
// Defaults:
//   - admission_cap: 2
//   - admission_wait: "90s"
//   - connect_jitter: "3s"
//   - reconnect_base: "2s", reconnect_max: "5m"
//   - health_interval: "5m", stuck_grace: "10m"
//   - rate_per_minute: 20
//   - country_prefix: "55"
type WhatsAppConfig struct {
	SessionsDir string `json:"sessions_dir"`

	// BridgeURL is the base URL of the WhatsApp sidecar process.
	BridgeURL  string `json:"bridge_url,omitempty"`  // default: "http://127.0.0.1:3000"
	BridgePoll string `json:"bridge_poll,omitempty"` // status poll interval, default "2s"

	AdmissionCap  int    `json:"admission_cap,omitempty"`
	AdmissionWait string `json:"admission_wait,omitempty"`
	ConnectJitter string `json:"connect_jitter,omitempty"`

	ReconnectBase string `json:"reconnect_base,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`

	HealthInterval string `json:"health_interval,omitempty"`
	StuckGrace     string `json:"stuck_grace,omitempty"`

	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	CountryPrefix string `json:"country_prefix,omitempty"`

	HTTP HTTPConfig `json:"http"`
}

// HTTPConfig controls the local control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:3001").
//   - Set a token if you bind to a non-loopback address.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:3001"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// PaymentsConfig controls settlement polling.
//
// Defaults:
//   - poll_interval: "2m"
//   - expiry_age: "24h"
type PaymentsConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
	ExpiryAge    string `json:"expiry_age,omitempty"`

	GatewayURL   string `json:"gateway_url,omitempty"`
	GatewayToken string `json:"gateway_token,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}
