package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

type failingAppender struct{ calls int }

func (f *failingAppender) AppendHistory(context.Context, model.HistoryEntry) (model.HistoryEntry, error) {
	f.calls++
	if f.calls == 1 {
		return model.HistoryEntry{}, errors.New("disk full")
	}
	return model.HistoryEntry{ID: 1}, nil
}

func TestRecordAppendsAndPublishes(t *testing.T) {
	repo := newMemRepo()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	r := NewRecorder(repo, logx.Nop(), bus)

	j := job(5, epoch)
	require.NoError(t, r.Record(context.Background(), "exec-1", j, model.StatusMissed, epoch.Add(time.Hour), ErrMissedWindow))

	hist := repo.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.OccasionID(5), hist[0].OccasionID)
	assert.Equal(t, model.StatusMissed, hist[0].Status)
	assert.Equal(t, "exec-1", hist[0].ExecutionID)
	assert.True(t, hist[0].Timestamp.Equal(epoch.Add(time.Hour)))

	e := <-ch
	assert.Equal(t, eventbus.TypeDeliveryMissed, e.Type)
}

func TestRecordRefusesSecondCallForSameExecution(t *testing.T) {
	repo := newMemRepo()
	var buf logBuffer
	r := NewRecorder(repo, logx.NewWriter(&buf, "debug"), nil)
	j := job(5, epoch)

	require.NoError(t, r.Record(context.Background(), "exec-1", j, model.StatusDelivered, epoch, nil))
	err := r.Record(context.Background(), "exec-1", j, model.StatusFailed, epoch, nil)
	assert.ErrorIs(t, err, ErrDuplicateRecord)
	assert.True(t, IsIntegrityError(err))
	assert.Len(t, repo.History(), 1)
	assert.Contains(t, buf.String(), "duplicate delivery record refused")
}

func TestRecordRejectsUnknownStatus(t *testing.T) {
	r := NewRecorder(newMemRepo(), logx.Nop(), nil)
	assert.Error(t, r.Record(context.Background(), "x", job(1, epoch), "CANCELLED", epoch, nil))
}

func TestRecordAppendFailureAllowsRetryOfSameExecution(t *testing.T) {
	app := &failingAppender{}
	r := NewRecorder(app, logx.Nop(), nil)

	assert.Error(t, r.Record(context.Background(), "exec-1", job(1, epoch), model.StatusDelivered, epoch, nil))
	assert.NoError(t, r.Record(context.Background(), "exec-1", job(1, epoch), model.StatusDelivered, epoch, nil))
}
