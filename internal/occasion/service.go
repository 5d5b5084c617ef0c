package occasion

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
	"memorable/internal/storage"
	logx "memorable/pkg/logx"
)

var ErrInvalid = errors.New("invalid occasion")

// Hooks mirrors occasion writes into the scheduler. *delivery.Lifecycle
// implements it.
type Hooks interface {
	ScheduleFor(ctx context.Context, o model.Occasion) error
	RescheduleFor(ctx context.Context, o model.Occasion) error
	CancelFor(ctx context.Context, id model.OccasionID) error
	HasPendingJob(ctx context.Context, id model.OccasionID) (bool, error)
}

type Service struct {
	repo  storage.OccasionRepository
	hist  storage.HistoryRepository
	hooks Hooks
	log   logx.Logger
	now   func() time.Time
}

// New builds the service. hooks may be nil for offline tools (import,
// listing) that only touch storage.
func New(repo storage.OccasionRepository, hist storage.HistoryRepository, hooks Hooks, log logx.Logger) *Service {
	return &Service{repo: repo, hist: hist, hooks: hooks, log: log.Component("occasion"), now: time.Now}
}

// Validate checks the fields a delivery needs.
func Validate(o model.Occasion) error {
	switch {
	case !o.DeliveryMethod.Known():
		return errors.Wrapf(ErrInvalid, "unknown delivery method %q", o.DeliveryMethod)
	case o.Recipient() == "":
		return errors.Wrapf(ErrInvalid, "no recipient for %s delivery", o.DeliveryMethod.Normalize())
	case o.DateTime.IsZero():
		return errors.Wrap(ErrInvalid, "date_time required")
	case strings.TrimSpace(o.MessageContent) == "":
		return errors.Wrap(ErrInvalid, "message_content required")
	}
	return nil
}

// Create persists o with a fresh ID and schedules its delivery.
func (s *Service) Create(ctx context.Context, o model.Occasion) (model.Occasion, error) {
	o.ID = 0
	o.DeliveryMethod = o.DeliveryMethod.Normalize()
	if err := Validate(o); err != nil {
		return model.Occasion{}, err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	saved, err := s.repo.SaveOccasion(ctx, o)
	if err != nil {
		return model.Occasion{}, errors.Wrap(err, "save occasion")
	}
	if s.hooks != nil {
		if err := s.hooks.ScheduleFor(ctx, saved); err != nil {
			s.log.Warn("occasion saved but not scheduled", logx.Stringer("occasion", saved.ID), logx.Err(err))
		}
	}
	return saved, nil
}

// Update overwrites an existing occasion and replaces its job.
func (s *Service) Update(ctx context.Context, o model.Occasion) (model.Occasion, error) {
	prev, err := s.repo.GetOccasion(ctx, o.ID)
	if err != nil {
		return model.Occasion{}, errors.Wrapf(err, "occasion %s", o.ID)
	}
	o.DeliveryMethod = o.DeliveryMethod.Normalize()
	if err := Validate(o); err != nil {
		return model.Occasion{}, err
	}
	o.CreatedAt = prev.CreatedAt
	saved, err := s.repo.SaveOccasion(ctx, o)
	if err != nil {
		return model.Occasion{}, errors.Wrap(err, "save occasion")
	}
	if s.hooks != nil {
		if err := s.hooks.RescheduleFor(ctx, saved); err != nil {
			s.log.Warn("occasion updated but not rescheduled", logx.Stringer("occasion", saved.ID), logx.Err(err))
		}
	}
	return saved, nil
}

// Delete removes the occasion and cancels its job. History is kept.
func (s *Service) Delete(ctx context.Context, id model.OccasionID) error {
	found, err := s.repo.DeleteOccasion(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "delete occasion %s", id)
	}
	if !found {
		return errors.Wrapf(storage.ErrNotFound, "occasion %s", id)
	}
	if s.hooks != nil {
		if err := s.hooks.CancelFor(ctx, id); err != nil {
			s.log.Warn("occasion deleted but job not cancelled", logx.Stringer("occasion", id), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id model.OccasionID) (model.Occasion, error) {
	return s.repo.GetOccasion(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]model.Occasion, error) {
	return s.repo.ListOccasions(ctx)
}

// History returns the delivery log of id, oldest first.
func (s *Service) History(ctx context.Context, id model.OccasionID) ([]model.HistoryEntry, error) {
	if s.hist == nil {
		return nil, errors.New("history not available")
	}
	return s.hist.ListHistory(ctx, id)
}

// Pending reports whether a delivery for id is scheduled or running. It is
// always false without hooks.
func (s *Service) Pending(ctx context.Context, id model.OccasionID) (bool, error) {
	if s.hooks == nil {
		return false, nil
	}
	return s.hooks.HasPendingJob(ctx, id)
}
