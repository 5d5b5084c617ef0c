package model

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DeliveryStatus is the terminal outcome of one execution attempt.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
	StatusMissed    DeliveryStatus = "MISSED"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusMissed:
		return true
	}
	return false
}

func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	s := DeliveryStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errors.Newf("unknown delivery status %q", raw)
	}
	return s, nil
}

// HistoryEntry is an append-only delivery record. Entries are never mutated
// after creation; repeating occasions accumulate one entry per year.
type HistoryEntry struct {
	ID          int64          `json:"id"`
	OccasionID  OccasionID     `json:"occasion_id"`
	Status      DeliveryStatus `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Error       string         `json:"error,omitempty"`
}
