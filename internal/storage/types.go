package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "file", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OccasionRepository stores occasions.
type OccasionRepository interface {
	// SaveOccasion inserts (ID == 0, a new ID is assigned) or overwrites.
	SaveOccasion(ctx context.Context, o model.Occasion) (model.Occasion, error)
	GetOccasion(ctx context.Context, id model.OccasionID) (model.Occasion, error)
	DeleteOccasion(ctx context.Context, id model.OccasionID) (bool, error)
	// ListOccasions returns all occasions ordered by ID.
	ListOccasions(ctx context.Context) ([]model.Occasion, error)
}

// HistoryRepository is the append-only delivery log.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, e model.HistoryEntry) (model.HistoryEntry, error)
	// ListHistory returns the entries of one occasion, oldest first.
	ListHistory(ctx context.Context, id model.OccasionID) ([]model.HistoryEntry, error)
	// ListAllHistory returns the newest limit entries, oldest first (limit <= 0: all).
	ListAllHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error)
}

// Store is the persistence API used by the app.
type Store interface {
	OccasionRepository
	HistoryRepository
	Close() error
}

func validateEntry(e model.HistoryEntry) error {
	if !e.OccasionID.Valid() {
		return errors.Newf("history: invalid occasion id %d", int64(e.OccasionID))
	}
	if !e.Status.Valid() {
		return errors.Newf("history: invalid status %q", e.Status)
	}
	if e.Timestamp.IsZero() {
		return errors.New("history: timestamp required")
	}
	return nil
}

func tail(entries []model.HistoryEntry, limit int) []model.HistoryEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
