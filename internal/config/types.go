package config

import "time"

// Config is the root of config.json / config.yaml.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls delivery defaults and the housekeeping cron.
//
// Defaults (when fields are omitted/zero):
//   - misfire_grace: "24h"
//   - reconcile: "@every 1h"
//   - status: "@every 15m"
//   - timezone: local
type SchedulerConfig struct {
	// Enabled toggles the housekeeping cron. Deliveries run regardless.
	Enabled bool `json:"enabled"`
	// Timezone anchors yearly repeats and cron specs.
	Timezone     string `json:"timezone,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	// Strict panics on scheduler integrity errors instead of logging them.
	Strict    bool   `json:"strict,omitempty"`
	Reconcile string `json:"reconcile,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ExecutorConfig sizes the delivery worker pool.
type ExecutorConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
	// TaskTimeout bounds housekeeping tasks. "0s" disables it.
	TaskTimeout string `json:"task_timeout,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  float64        `json:"rate_per_sec,omitempty"`
	Burst       int            `json:"burst,omitempty"`
	SendTimeout string         `json:"send_timeout,omitempty"`
	HistorySize int            `json:"history_size,omitempty"`
	Email       EmailConfig    `json:"email"`
	SMS         SMSConfig      `json:"sms"`
	Telegram    TelegramConfig `json:"telegram"`
	Log         LogChannel     `json:"log"`
}

type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"` // do not log
	From       string `json:"from,omitempty"`
	RequireTLS bool   `json:"require_tls,omitempty"`
}

type SMSConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	From       string `json:"from,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
	APIURL  string `json:"api_url,omitempty"`
}

type LogChannel struct {
	Enabled bool `json:"enabled"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./memorable.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the local status/pprof HTTP endpoint.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

const (
	DefaultMisfireGrace = 24 * time.Hour
	DefaultReconcile    = "@every 1h"
	DefaultStatus       = "@every 15m"
	DefaultSendTimeout  = 30 * time.Second
)

// Default returns a config that runs with only the log channel enabled.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Enabled: true, MisfireGrace: "24h", Reconcile: DefaultReconcile, Status: DefaultStatus},
		Notifier:  NotifierConfig{Log: LogChannel{Enabled: true}},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./memorable.db"},
	}
}
