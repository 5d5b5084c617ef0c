package delivery

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	"memorable/internal/task/engine"
	logx "memorable/pkg/logx"
)

var epoch = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

// fakeNotifier records every send. failFor makes sends to a recipient fail;
// gate, when set, blocks each send until a value is received.
type fakeNotifier struct {
	mu      sync.Mutex
	calls   []model.Payload
	failFor map[string]bool
	gate    chan struct{}
	entered chan model.Payload
}

func (n *fakeNotifier) Send(ctx context.Context, p model.Payload) error {
	n.mu.Lock()
	n.calls = append(n.calls, p)
	fail := n.failFor[p.Recipient]
	gate, entered := n.gate, n.entered
	n.mu.Unlock()

	if entered != nil {
		entered <- p
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.Newf("smtp: mailbox %s unavailable", p.Recipient)
	}
	return nil
}

func (n *fakeNotifier) Calls() []model.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Payload(nil), n.calls...)
}

// memRepo is an in-memory occasion and history repository.
type memRepo struct {
	mu        sync.Mutex
	occasions map[model.OccasionID]model.Occasion
	history   []model.HistoryEntry
}

func newMemRepo() *memRepo {
	return &memRepo{occasions: map[model.OccasionID]model.Occasion{}}
}

func (r *memRepo) put(o model.Occasion) {
	r.mu.Lock()
	r.occasions[o.ID] = o
	r.mu.Unlock()
}

func (r *memRepo) AppendHistory(_ context.Context, e model.HistoryEntry) (model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.history) + 1)
	r.history = append(r.history, e)
	return e, nil
}

func (r *memRepo) ListOccasions(context.Context) ([]model.Occasion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Occasion, 0, len(r.occasions))
	for _, o := range r.occasions {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListHistory(_ context.Context, id model.OccasionID) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.HistoryEntry
	for _, h := range r.history {
		if h.OccasionID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepo) History() []model.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.HistoryEntry(nil), r.history...)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *FakeClock
	notifier *fakeNotifier
	repo     *memRepo
	bus      eventbus.Bus
	pool     *engine.Service
	sched    *Scheduler
	life     *Lifecycle
}

func newHarness(t *testing.T, cfg LifecycleConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h := &harness{
		t:        t,
		ctx:      ctx,
		clock:    NewFakeClock(epoch),
		notifier: &fakeNotifier{failFor: map[string]bool{}},
		repo:     newMemRepo(),
		bus:      eventbus.New(),
	}
	log := logx.Nop()
	h.pool = engine.New(engine.Config{Workers: 4, QueueSize: 16}, log, h.bus)
	h.pool.Start(ctx)
	rec := NewRecorder(h.repo, log, h.bus)
	exec := NewExecutor(h.clock, h.notifier, rec, h.pool, log)
	h.sched = NewScheduler(h.clock, exec, log, h.bus)
	h.life = NewLifecycle(cfg, h.sched, h.repo, h.clock, log)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = h.sched.Stop(stopCtx)
		h.pool.Stop(stopCtx)
		cancel()
	})
	return h
}

func (h *harness) start() { h.sched.Start(h.ctx) }

func (h *harness) occasion(id int64, at time.Time, repeat bool) model.Occasion {
	o := model.Occasion{
		ID:             model.OccasionID(id),
		UserID:         1,
		UserEmail:      "owner@example.com",
		DeliveryMethod: model.MethodEmail,
		OccasionType:   "Birthday",
		MessageContent: "Happy birthday!",
		IsRepeated:     repeat,
		DateTime:       at,
		ReceiverEmail:  "friend@example.com",
	}
	h.repo.put(o)
	return o
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	require.NoError(h.t, h.sched.Flush(h.ctx))
}

func (h *harness) settle() {
	require.NoError(h.t, h.sched.WaitIdle(h.ctx))
}

func (h *harness) statuses() []model.DeliveryStatus {
	var out []model.DeliveryStatus
	for _, e := range h.repo.History() {
		out = append(out, e.Status)
	}
	return out
}
