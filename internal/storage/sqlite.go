package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const occasionColumns = `id, user_id, user_email, delivery_method, occasion_type, message_content, is_repeated, date_time, receiver_email, receiver_phone, receiver_chat, created_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations); err != nil {
		return errors.Wrap(err, "sqlite migrate")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveOccasion(ctx context.Context, o model.Occasion) (model.Occasion, error) {
	if o.ID != 0 && !o.ID.Valid() {
		return model.Occasion{}, errors.Newf("invalid occasion id %d", int64(o.ID))
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	args := []any{
		o.UserID, nullStr(o.UserEmail), string(o.DeliveryMethod.Normalize()), o.OccasionType, o.MessageContent,
		boolInt(o.IsRepeated), formatTime(o.DateTime), nullStr(o.ReceiverEmail), nullStr(o.ReceiverPhone),
		nullStr(o.ReceiverChat), formatTime(o.CreatedAt),
	}
	if o.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO occasions(user_id, user_email, delivery_method, occasion_type, message_content,
				is_repeated, date_time, receiver_email, receiver_phone, receiver_chat, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return model.Occasion{}, errors.Wrap(err, "insert occasion")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return model.Occasion{}, errors.Wrap(err, "insert occasion id")
		}
		o.ID = model.OccasionID(id)
		return o, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO occasions(id, user_id, user_email, delivery_method, occasion_type, message_content,
			is_repeated, date_time, receiver_email, receiver_phone, receiver_chat, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, user_email=excluded.user_email,
			delivery_method=excluded.delivery_method, occasion_type=excluded.occasion_type,
			message_content=excluded.message_content, is_repeated=excluded.is_repeated,
			date_time=excluded.date_time, receiver_email=excluded.receiver_email,
			receiver_phone=excluded.receiver_phone, receiver_chat=excluded.receiver_chat`,
		append([]any{int64(o.ID)}, args...)...)
	if err != nil {
		return model.Occasion{}, errors.Wrapf(err, "upsert occasion %s", o.ID)
	}
	return o, nil
}

func (s *sqliteStore) GetOccasion(ctx context.Context, id model.OccasionID) (model.Occasion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+occasionColumns+` FROM occasions WHERE id = ?`, int64(id))
	o, err := scanOccasion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Occasion{}, errors.Wrapf(ErrNotFound, "occasion %s", id)
	}
	return o, err
}

func (s *sqliteStore) DeleteOccasion(ctx context.Context, id model.OccasionID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM occasions WHERE id = ?`, int64(id))
	if err != nil {
		return false, errors.Wrapf(err, "delete occasion %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListOccasions(ctx context.Context) ([]model.Occasion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+occasionColumns+` FROM occasions ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list occasions")
	}
	defer rows.Close()
	var out []model.Occasion
	for rows.Next() {
		o, err := scanOccasion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e model.HistoryEntry) (model.HistoryEntry, error) {
	if err := validateEntry(e); err != nil {
		return model.HistoryEntry{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_history(occasion_id, status, timestamp, execution_id, error) VALUES(?,?,?,?,?)`,
		int64(e.OccasionID), string(e.Status), formatTime(e.Timestamp), nullStr(e.ExecutionID), nullStr(e.Error),
	)
	if err != nil {
		return model.HistoryEntry{}, errors.Wrapf(err, "append history for occasion %s", e.OccasionID)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return model.HistoryEntry{}, err
	}
	return e, nil
}

const historyColumns = `id, occasion_id, status, timestamp, execution_id, error`

func (s *sqliteStore) ListHistory(ctx context.Context, id model.OccasionID) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM delivery_history WHERE occasion_id = ? ORDER BY id`, int64(id))
}

func (s *sqliteStore) ListAllHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM delivery_history ORDER BY id`)
	}
	out, err := s.queryHistory(ctx, `SELECT `+historyColumns+` FROM delivery_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()
	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e              model.HistoryEntry
			occ            int64
			status, ts     string
			execID, errStr sql.NullString
		)
		if err := rows.Scan(&e.ID, &occ, &status, &ts, &execID, &errStr); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.OccasionID = model.OccasionID(occ)
		e.Status = model.DeliveryStatus(status)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.ExecutionID, e.Error = execID.String, errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOccasion(sc scanner) (model.Occasion, error) {
	var (
		o                           model.Occasion
		id                          int64
		method, at, created         string
		repeated                    int
		userEmail, email, phone, ch sql.NullString
	)
	err := sc.Scan(&id, &o.UserID, &userEmail, &method, &o.OccasionType, &o.MessageContent,
		&repeated, &at, &email, &phone, &ch, &created)
	if err != nil {
		return model.Occasion{}, err
	}
	o.ID = model.OccasionID(id)
	o.DeliveryMethod = model.DeliveryMethod(method)
	o.IsRepeated = repeated != 0
	o.UserEmail, o.ReceiverEmail, o.ReceiverPhone, o.ReceiverChat = userEmail.String, email.String, phone.String, ch.String
	if o.DateTime, err = parseTime(at); err != nil {
		return model.Occasion{}, err
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return model.Occasion{}, err
	}
	return o, nil
}

// Times keep their UTC offset so yearly repeats stay on the author's wall clock.
func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
