// Package occasion is the CRUD surface for occasions.
//
// Every write is persisted first and then mirrored into the delivery
// scheduler through the lifecycle hooks. A scheduler failure is logged and
// does not fail the write; the periodic reconcile repairs the job later.
package occasion
