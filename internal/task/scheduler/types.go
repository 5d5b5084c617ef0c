package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"memorable/internal/eventbus"
	"memorable/internal/task/engine"
	logx "memorable/pkg/logx"
)

// Config controls the housekeeping scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Enqueuer accepts tasks for execution. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	// running is set while a firing is queued or executing; later firings
	// are skipped until it clears.
	running *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
	Running       bool          `json:"running"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Started   bool            `json:"started"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
