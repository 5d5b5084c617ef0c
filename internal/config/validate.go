package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Validate checks fields the decoder cannot: durations, timezone and the
// storage driver. Schedule specs are checked by the housekeeping scheduler.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("scheduler.misfire_grace", c.Scheduler.MisfireGrace)
	check("executor.task_timeout", c.Executor.TaskTimeout)
	check("notifier.send_timeout", c.Notifier.SendTimeout)
	check("storage.busy_timeout", c.Storage.BusyTimeout)

	if _, err := c.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "file", "memory":
	default:
		errs = append(errs, errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
	}
	if c.Executor.Workers < 0 || c.Executor.QueueSize < 0 {
		errs = append(errs, errors.New("executor: workers and queue_size must be >= 0"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means the process local zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler.timezone: %q", tz)
	}
	return loc, nil
}

// Grace is misfire_grace with the 24h default applied.
func (s SchedulerConfig) Grace() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.misfire_grace", s.MisfireGrace, DefaultMisfireGrace)
	if err != nil {
		return DefaultMisfireGrace
	}
	return d
}

func (s SchedulerConfig) ReconcileSpec() string {
	if v := strings.TrimSpace(s.Reconcile); v != "" {
		return v
	}
	return DefaultReconcile
}

func (s SchedulerConfig) StatusSpec() string {
	if v := strings.TrimSpace(s.Status); v != "" {
		return v
	}
	return DefaultStatus
}
