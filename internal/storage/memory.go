package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
)

// Memory is a process-local Store.
type Memory struct {
	mu        sync.Mutex
	occasions map[model.OccasionID]model.Occasion
	history   []model.HistoryEntry
	nextID    model.OccasionID
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{occasions: map[model.OccasionID]model.Occasion{}}
}

func (m *Memory) SaveOccasion(_ context.Context, o model.Occasion) (model.Occasion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Occasion{}, ErrClosed
	}
	if o.ID == 0 {
		for {
			m.nextID++
			if _, taken := m.occasions[m.nextID]; !taken {
				break
			}
		}
		o.ID = m.nextID
	} else if !o.ID.Valid() {
		return model.Occasion{}, errors.Newf("invalid occasion id %d", int64(o.ID))
	}
	if o.ID > m.nextID {
		m.nextID = o.ID
	}
	m.occasions[o.ID] = o
	return o, nil
}

func (m *Memory) GetOccasion(_ context.Context, id model.OccasionID) (model.Occasion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.occasions[id]
	if !ok {
		return model.Occasion{}, errors.Wrapf(ErrNotFound, "occasion %s", id)
	}
	return o, nil
}

func (m *Memory) DeleteOccasion(_ context.Context, id model.OccasionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.occasions[id]
	delete(m.occasions, id)
	return ok, nil
}

func (m *Memory) ListOccasions(context.Context) ([]model.Occasion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Occasion, 0, len(m.occasions))
	for _, o := range m.occasions {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendHistory(_ context.Context, e model.HistoryEntry) (model.HistoryEntry, error) {
	if err := validateEntry(e); err != nil {
		return model.HistoryEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.HistoryEntry{}, ErrClosed
	}
	e.ID = int64(len(m.history) + 1)
	m.history = append(m.history, e)
	return e, nil
}

func (m *Memory) ListHistory(_ context.Context, id model.OccasionID) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.HistoryEntry
	for _, e := range m.history {
		if e.OccasionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListAllHistory(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(append([]model.HistoryEntry(nil), m.history...), limit), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
