package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.occasions.json (snapshot, rewritten atomically on every change)
//   - <prefix>.history.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu            sync.Mutex
	snapshotPath  string
	historyFile   *os.File
	occasions     map[model.OccasionID]model.Occasion
	history       []model.HistoryEntry
	nextOccasion  model.OccasionID
	nextHistoryID int64
}

type occasionsSnapshot struct {
	NextID    model.OccasionID `json:"next_id"`
	Occasions []model.Occasion `json:"occasions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "file store dir")
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".occasions.json",
		occasions:    map[model.OccasionID]model.Occasion{},
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	historyPath := prefix + ".history.jsonl"
	skipped, err := s.replayHistory(historyPath)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt history lines", logx.Int("lines", skipped), logx.String("path", historyPath))
	}
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}
	s.historyFile = hf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read occasions")
	}
	var snap occasionsSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return errors.Wrapf(err, "decode %s", s.snapshotPath)
	}
	s.nextOccasion = snap.NextID
	for _, o := range snap.Occasions {
		s.occasions[o.ID] = o
		if o.ID > s.nextOccasion {
			s.nextOccasion = o.ID
		}
	}
	return nil
}

func (s *fileStore) replayHistory(path string) (skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "open history")
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e model.HistoryEntry
		// A torn final line after a crash is skipped, not fatal.
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || validateEntry(e) != nil {
			skipped++
			continue
		}
		s.history = append(s.history, e)
		if e.ID > s.nextHistoryID {
			s.nextHistoryID = e.ID
		}
	}
	return skipped, sc.Err()
}

// writeSnapshotLocked writes to a temp file and renames it into place.
func (s *fileStore) writeSnapshotLocked() error {
	snap := occasionsSnapshot{NextID: s.nextOccasion, Occasions: make([]model.Occasion, 0, len(s.occasions))}
	for _, o := range s.occasions {
		snap.Occasions = append(snap.Occasions, o)
	}
	sort.Slice(snap.Occasions, func(i, j int) bool { return snap.Occasions[i].ID < snap.Occasions[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "write occasions")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "encode occasions")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, s.snapshotPath), "replace occasions")
}

func (s *fileStore) SaveOccasion(_ context.Context, o model.Occasion) (model.Occasion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return model.Occasion{}, ErrClosed
	}
	if o.ID == 0 {
		s.nextOccasion++
		o.ID = s.nextOccasion
	} else if !o.ID.Valid() {
		return model.Occasion{}, errors.Newf("invalid occasion id %d", int64(o.ID))
	}
	if o.ID > s.nextOccasion {
		s.nextOccasion = o.ID
	}
	prev, existed := s.occasions[o.ID]
	s.occasions[o.ID] = o
	if err := s.writeSnapshotLocked(); err != nil {
		if existed {
			s.occasions[o.ID] = prev
		} else {
			delete(s.occasions, o.ID)
		}
		return model.Occasion{}, err
	}
	return o, nil
}

func (s *fileStore) GetOccasion(_ context.Context, id model.OccasionID) (model.Occasion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occasions[id]
	if !ok {
		return model.Occasion{}, errors.Wrapf(ErrNotFound, "occasion %s", id)
	}
	return o, nil
}

func (s *fileStore) DeleteOccasion(_ context.Context, id model.OccasionID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.occasions[id]
	if !ok {
		return false, nil
	}
	delete(s.occasions, id)
	if err := s.writeSnapshotLocked(); err != nil {
		s.occasions[id] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) ListOccasions(context.Context) ([]model.Occasion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Occasion, 0, len(s.occasions))
	for _, o := range s.occasions {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendHistory(_ context.Context, e model.HistoryEntry) (model.HistoryEntry, error) {
	if err := validateEntry(e); err != nil {
		return model.HistoryEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return model.HistoryEntry{}, ErrClosed
	}
	e.ID = s.nextHistoryID + 1
	b, err := json.Marshal(e)
	if err != nil {
		return model.HistoryEntry{}, err
	}
	if _, err := s.historyFile.Write(append(b, '\n')); err != nil {
		return model.HistoryEntry{}, errors.Wrap(err, "append history")
	}
	s.nextHistoryID = e.ID
	s.history = append(s.history, e)
	return e, nil
}

func (s *fileStore) ListHistory(_ context.Context, id model.OccasionID) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.HistoryEntry
	for _, e := range s.history {
		if e.OccasionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fileStore) ListAllHistory(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(append([]model.HistoryEntry(nil), s.history...), limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}
