// Package scheduler runs delayed one-shot tasks keyed by a string. A key has
// at most one pending run; scheduling it again replaces the pending run.
// Recurring work reschedules itself from its handler.
package scheduler

import (
	"context"
	"time"
)

// Handler runs one due task.
type Handler func(ctx context.Context, key string)

type Scheduler interface {
	// Schedule sets the run time of key, replacing any pending run.
	Schedule(ctx context.Context, key string, at time.Time) error
	// Ensure schedules key at `at` unless a run is already pending.
	Ensure(ctx context.Context, key string, at time.Time) error
	// Cancel drops the pending run of key, if any.
	Cancel(ctx context.Context, key string) error
	// Run dispatches due tasks to h until ctx is done.
	Run(ctx context.Context, h Handler) error
}
