// Package scheduler runs recurring housekeeping jobs (reconcile passes,
// status reports) on cron or interval schedules.
//
// It only triggers: each firing is enqueued on the task engine, which does
// the execution. Occasion deliveries do not go through here; they have
// their own timer loop in internal/delivery.
package scheduler
