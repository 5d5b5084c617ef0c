package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// OccasionID identifies an occasion. It is also the identity of the
// occasion's scheduled job, so at most one live job exists per occasion.
type OccasionID int64

func (id OccasionID) String() string { return strconv.FormatInt(int64(id), 10) }

// Valid reports whether id refers to a persisted occasion.
func (id OccasionID) Valid() bool { return id > 0 }

// ParseOccasionID parses the decimal form produced by String.
func ParseOccasionID(s string) (OccasionID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid occasion id %q", s)
	}
	if n <= 0 {
		return 0, errors.Newf("invalid occasion id %q: must be > 0", s)
	}
	return OccasionID(n), nil
}

// DeliveryMethod selects the notifier channel.
type DeliveryMethod string

const (
	MethodEmail    DeliveryMethod = "email"
	MethodSMS      DeliveryMethod = "sms"
	MethodTelegram DeliveryMethod = "telegram"
	// MethodLog is a dry-run channel that only logs the message.
	MethodLog DeliveryMethod = "log"
)

// Normalize lowercases and trims the method ("EMAIL " -> "email").
func (m DeliveryMethod) Normalize() DeliveryMethod {
	return DeliveryMethod(strings.ToLower(strings.TrimSpace(string(m))))
}

func (m DeliveryMethod) Known() bool {
	switch m.Normalize() {
	case MethodEmail, MethodSMS, MethodTelegram, MethodLog:
		return true
	}
	return false
}

// Occasion is a user-authored message tied to a future date.
//
// The delivery core never writes occasions back; it only reads the fields
// needed to build a job.
type Occasion struct {
	ID             OccasionID     `json:"id" yaml:"id"`
	UserID         int64          `json:"user_id" yaml:"user_id"`
	UserEmail      string         `json:"user_email,omitempty" yaml:"user_email"`
	DeliveryMethod DeliveryMethod `json:"delivery_method" yaml:"delivery_method"`
	OccasionType   string         `json:"occasion_type" yaml:"occasion_type"`
	MessageContent string         `json:"message_content" yaml:"message_content"`
	IsRepeated     bool           `json:"is_repeated" yaml:"is_repeated"`
	DateTime       time.Time      `json:"date_time" yaml:"date_time"`
	ReceiverEmail  string         `json:"receiver_email,omitempty" yaml:"receiver_email"`
	ReceiverPhone  string         `json:"receiver_phone,omitempty" yaml:"receiver_phone"`
	ReceiverChat   string         `json:"receiver_chat,omitempty" yaml:"receiver_chat"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
}

// Recipient returns the address matching the delivery method.
func (o Occasion) Recipient() string {
	switch o.DeliveryMethod.Normalize() {
	case MethodEmail:
		return strings.TrimSpace(o.ReceiverEmail)
	case MethodSMS:
		return strings.TrimSpace(o.ReceiverPhone)
	case MethodTelegram:
		return strings.TrimSpace(o.ReceiverChat)
	case MethodLog:
		if r := strings.TrimSpace(o.ReceiverEmail); r != "" {
			return r
		}
		if r := strings.TrimSpace(o.ReceiverPhone); r != "" {
			return r
		}
		return strings.TrimSpace(o.ReceiverChat)
	}
	return ""
}

// Payload is the opaque delivery instruction carried by a job.
// The scheduler never inspects it; only notifier channels do.
type Payload struct {
	Method    DeliveryMethod `json:"method"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Sender    string         `json:"sender,omitempty"`
}

// PayloadFor builds the delivery payload for an occasion.
// Subject is the occasion type and Sender the owner's email, as the
// message is sent on the user's behalf.
func PayloadFor(o Occasion) Payload {
	return Payload{
		Method:    o.DeliveryMethod.Normalize(),
		Recipient: o.Recipient(),
		Subject:   strings.TrimSpace(o.OccasionType),
		Body:      o.MessageContent,
		Sender:    strings.TrimSpace(o.UserEmail),
	}
}
