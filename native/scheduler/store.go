package scheduler

import "context"

// Store persists tasks and guards their status transitions.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// FindActive returns the non-terminal task registered under (queue, taskID).
	FindActive(ctx context.Context, queue string, taskID uint16) (*Task, error)
	// Due lists pending tasks whose trigger time is at or before now.
	Due(ctx context.Context, now int64, limit int) ([]*Task, error)
	// MarkQueued moves a pending task to queued.
	MarkQueued(ctx context.Context, id string) error
	// Claim moves a queued (or pending) task to running and counts the attempt.
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, executor string) error
	// MarkFailed records an error. Terminal failures stop further attempts;
	// otherwise the task returns to pending.
	MarkFailed(ctx context.Context, id string, lastError string, terminal bool) error
	// Requeue returns queued and interrupted running tasks to pending. It runs
	// once at startup.
	Requeue(ctx context.Context) (int, error)
	List(ctx context.Context, queue string, limit int) ([]*Task, error)
	Close() error
}
