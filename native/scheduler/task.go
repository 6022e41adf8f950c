// Package scheduler stores encoded program calls and executes them at or after
// a trigger time. Delivery is at-least-once and may never happen at all;
// programs it calls must be idempotent.
package scheduler

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

var (
	ErrTaskNotFound      = errors.New("scheduler: task not found")
	ErrTaskConflict      = errors.New("scheduler: task not in a claimable state")
	ErrDuplicateTask     = errors.New("scheduler: task id already registered on queue")
	ErrQueueNotFound     = errors.New("scheduler: queue not found")
	ErrUnauthorizedQueue = errors.New("scheduler: authority not allowed on queue")
	ErrRewardTooLow      = errors.New("scheduler: reward below queue minimum")
	ErrInvalidTask       = errors.New("scheduler: invalid task")
)

// Task is a stored future call.
type Task struct {
	ID          string `gorm:"type:varchar(36);primaryKey" json:"id"`
	Queue       string `gorm:"size:64;index:idx_queue_task" json:"queue"`
	Authority   string `gorm:"size:64" json:"authority"`
	TaskID      uint16 `gorm:"index:idx_queue_task" json:"task_id"`
	TriggerAt   int64  `gorm:"index" json:"trigger_at"`
	Call        []byte `json:"-"`
	Digest      string `gorm:"size:64" json:"digest"`
	Reward      uint64 `json:"reward"`
	Description string `gorm:"size:64" json:"description"`
	Status      Status `gorm:"size:16;index" json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Executor    string `gorm:"size:64" json:"executor,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a copy safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Call = append([]byte(nil), t.Call...)
	return &out
}
