package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tasks in a map. It backs tests and single-process
// development setups.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, queue string, taskID uint16) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, task := range m.tasks {
		if task.Queue == queue && task.TaskID == taskID && !task.Status.Terminal() {
			return task.Clone(), nil
		}
	}
	return nil, ErrTaskNotFound
}

func (m *MemoryStore) Due(_ context.Context, now int64, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0)
	for _, task := range m.tasks {
		if task.Status == StatusPending && task.TriggerAt <= now {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerAt == out[j].TriggerAt {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggerAt < out[j].TriggerAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) transition(id string, fn func(*Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return err
	}
	task.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkQueued(_ context.Context, id string) error {
	return m.transition(id, func(task *Task) error {
		if task.Status != StatusPending {
			return ErrTaskConflict
		}
		task.Status = StatusQueued
		return nil
	})
}

func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	var claimed *Task
	err := m.transition(id, func(task *Task) error {
		if task.Status != StatusQueued && task.Status != StatusPending {
			return ErrTaskConflict
		}
		task.Status = StatusRunning
		task.Attempts++
		claimed = task.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, executor string) error {
	return m.transition(id, func(task *Task) error {
		if task.Status != StatusRunning {
			return ErrTaskConflict
		}
		task.Status = StatusSucceeded
		task.Executor = executor
		task.LastError = ""
		return nil
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string, terminal bool) error {
	return m.transition(id, func(task *Task) error {
		if task.Status != StatusRunning {
			return ErrTaskConflict
		}
		task.LastError = lastError
		if terminal {
			task.Status = StatusFailed
		} else {
			task.Status = StatusPending
		}
		return nil
	})
}

func (m *MemoryStore) Requeue(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, task := range m.tasks {
		if task.Status == StatusQueued || task.Status == StatusRunning {
			task.Status = StatusPending
			task.UpdatedAt = m.now()
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) List(_ context.Context, queue string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if queue != "" && task.Queue != queue {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
