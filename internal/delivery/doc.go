// Package delivery is the time-triggered delivery scheduler.
//
// It maps each occasion to at most one pending job, keeps that job's trigger
// time in sync with edits to the occasion, executes the job once at (or
// shortly after) its due time and records the outcome.
//
// Components:
//   - JobStore: pending jobs keyed by occasion id, ordered by trigger time
//   - Clock: the notion of "now" and wake timers (real or fake)
//   - Scheduler: the single loop that owns the store, sleeps until the
//     earliest trigger and dispatches due jobs
//   - Executor: misfire check, Notifier call, outcome
//   - Recorder: one delivery-history entry per terminal outcome
//   - Lifecycle: occasion create/update/delete -> add/replace/remove, plus
//     yearly re-arm and reconcile against the occasion repository
//
// Mutations reach the loop as commands over a channel; the loop applies them,
// re-derives its wake time and replies. Notifier calls run on the task engine,
// off the loop's goroutine.
package delivery
