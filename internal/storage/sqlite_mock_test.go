package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLiteStore(db, logx.Nop()), mock
}

func TestSQLiteAppendHistoryArgs(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO delivery_history").
		WithArgs(int64(7), "FAILED", sqlmock.AnyArg(), "exec-1", "smtp down").
		WillReturnResult(sqlmock.NewResult(42, 1))

	e, err := st.AppendHistory(context.Background(), model.HistoryEntry{
		OccasionID:  7,
		Status:      model.StatusFailed,
		Timestamp:   when,
		ExecutionID: "exec-1",
		Error:       "smtp down",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAppendHistoryPropagatesDriverError(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO delivery_history").WillReturnError(errors.New("database is locked"))

	_, err := st.AppendHistory(context.Background(), model.HistoryEntry{OccasionID: 7, Status: model.StatusDelivered, Timestamp: when})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteGetOccasionNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM occasions WHERE id = ?").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetOccasion(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteListHistoryScansNullableColumns(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "occasion_id", "status", "timestamp", "execution_id", "error"}).
		AddRow(int64(1), int64(3), "DELIVERED", "2026-07-04T18:30:00-04:00", nil, nil).
		AddRow(int64(2), int64(3), "MISSED", "2027-07-04T18:30:00-04:00", "e2", "late")
	mock.ExpectQuery("SELECT (.+) FROM delivery_history WHERE occasion_id = ?").WithArgs(int64(3)).WillReturnRows(rows)

	hist, err := st.ListHistory(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Empty(t, hist[0].ExecutionID)
	assert.Equal(t, "late", hist[1].Error)
	assert.True(t, hist[0].Timestamp.Equal(when))
}
