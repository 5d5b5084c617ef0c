package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

// HistoryAppender persists delivery-history entries.
type HistoryAppender interface {
	AppendHistory(ctx context.Context, e model.HistoryEntry) (model.HistoryEntry, error)
}

// OutcomeEvent is the bus payload for delivery.* events.
type OutcomeEvent struct {
	OccasionID  model.OccasionID     `json:"occasion_id"`
	Status      model.DeliveryStatus `json:"status"`
	TriggerTime time.Time            `json:"trigger_time"`
	ExecutionID string               `json:"execution_id"`
	Error       string               `json:"error,omitempty"`
}

const recorderMemory = 4096

// Recorder writes exactly one history entry per terminal execution outcome.
//
// Executions are identified by ExecutionID; a second Record for the same id
// is refused with ErrDuplicateRecord and nothing is appended.
type Recorder struct {
	repo HistoryAppender
	log  logx.Logger
	bus  eventbus.Bus

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func NewRecorder(repo HistoryAppender, log logx.Logger, bus eventbus.Bus) *Recorder {
	return &Recorder{
		repo: repo,
		log:  log.Component("recorder"),
		bus:  bus,
		seen: map[string]struct{}{},
	}
}

// Record appends (occasion, status, timestamp) to the history.
func (r *Recorder) Record(ctx context.Context, executionID string, job Job, status model.DeliveryStatus, at time.Time, cause error) error {
	if !status.Valid() {
		return errors.Newf("record: invalid status %q", status)
	}
	if !r.claim(executionID) {
		err := errors.Wrapf(errors.WithStack(ErrDuplicateRecord), "occasion %s execution %s", job.ID, executionID)
		r.log.Error("duplicate delivery record refused",
			logx.Stringer("occasion", job.ID),
			logx.String("execution", executionID),
			logx.String("status", string(status)),
			logx.ErrStack(err),
		)
		return err
	}

	entry := model.HistoryEntry{
		OccasionID:  job.ID,
		Status:      status,
		Timestamp:   at,
		ExecutionID: executionID,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if _, err := r.repo.AppendHistory(ctx, entry); err != nil {
		// Let a later attempt for the same execution through.
		r.release(executionID)
		r.log.Error("history append failed",
			logx.Stringer("occasion", job.ID),
			logx.String("status", string(status)),
			logx.Err(err),
		)
		return errors.Wrapf(err, "record occasion %s", job.ID)
	}

	r.log.Info("delivery recorded",
		logx.Stringer("occasion", job.ID),
		logx.String("status", string(status)),
		logx.Time("trigger", job.TriggerTime),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventTypeFor(status), Time: at, Data: OutcomeEvent{
			OccasionID:  job.ID,
			Status:      status,
			TriggerTime: job.TriggerTime,
			ExecutionID: executionID,
			Error:       entry.Error,
		}})
	}
	return nil
}

func (r *Recorder) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > recorderMemory {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

func (r *Recorder) release(id string) {
	r.mu.Lock()
	delete(r.seen, id)
	r.mu.Unlock()
}

func eventTypeFor(s model.DeliveryStatus) string {
	switch s {
	case model.StatusDelivered:
		return eventbus.TypeDelivered
	case model.StatusMissed:
		return eventbus.TypeDeliveryMissed
	default:
		return eventbus.TypeDeliveryFailed
	}
}
