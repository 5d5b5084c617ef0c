package notifier

import (
	"context"
	"time"

	"memorable/internal/model"
)

// Channel transmits one payload.
type Channel interface {
	Send(ctx context.Context, p model.Payload) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, p model.Payload) error

func (f ChannelFunc) Send(ctx context.Context, p model.Payload) error { return f(ctx, p) }

// Config controls the notifier.
type Config struct {
	// RatePerSec and Burst shape the per-channel token bucket.
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
	HistorySize int

	Email    EmailConfig
	SMS      SMSConfig
	Telegram TelegramConfig
	Log      LogConfig
}

type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS bool
}

type SMSConfig struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL defaults to the Twilio API.
	BaseURL string
}

type TelegramConfig struct {
	Enabled bool
	Token   string
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string
}

type LogConfig struct {
	Enabled bool
}

type HistoryItem struct {
	At       time.Time            `json:"at"`
	Method   model.DeliveryMethod `json:"method"`
	To       string               `json:"to"`
	Duration time.Duration        `json:"duration"`
	Error    string               `json:"error,omitempty"`
}

// NotificationEvent is published for notifier.sent / notifier.failed.
type NotificationEvent struct {
	Method model.DeliveryMethod `json:"method"`
	To     string               `json:"to"`
	At     time.Time            `json:"at"`
	Error  string               `json:"error,omitempty"`
}
