package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/observability"
)

const (
	defaultMaxAttempts = 5
	defaultCrankBatch  = 128
	maxDescriptionLen  = 40
)

// QueueConfig declares a task queue and the derived authorities allowed to
// register calls on it.
type QueueConfig struct {
	Address     crypto.Address
	Authorities []crypto.Address
	MinReward   uint64
	MaxAttempts int
}

// RegisterRequest is a call to registerTask(queue, authority, taskId,
// triggerTime, encodedCall, reward).
type RegisterRequest struct {
	Queue       crypto.Address
	Authority   crypto.Address
	TaskID      uint16
	TriggerAt   int64
	Call        []byte
	Reward      uint64
	Description string
}

// Registrar accepts scheduled calls. Registration is fire-and-forget: the
// caller gets no handle to cancel the task later. The boolean is false when
// an identical active registration already existed.
type Registrar interface {
	RegisterTask(ctx context.Context, req RegisterRequest) (*Task, bool, error)
}

// Service validates registrations and moves due tasks onto the dispatch
// queue.
type Service struct {
	store    Store
	producer Producer
	logger   *slog.Logger
	nowFn    func() time.Time
	batch    int

	mu     sync.RWMutex
	queues map[crypto.Address]QueueConfig
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCrankBatch bounds how many due tasks one crank pass dispatches.
func WithCrankBatch(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewService wires a store and a producer.
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		producer: producer,
		logger:   slog.Default(),
		nowFn:    time.Now,
		batch:    defaultCrankBatch,
		queues:   make(map[crypto.Address]QueueConfig),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddQueue declares (or replaces) a queue.
func (s *Service) AddQueue(cfg QueueConfig) error {
	if cfg.Address.IsZero() {
		return fmt.Errorf("scheduler: queue address required")
	}
	if len(cfg.Authorities) == 0 {
		return fmt.Errorf("scheduler: queue %s has no authorities", cfg.Address)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	cfg.Authorities = append([]crypto.Address(nil), cfg.Authorities...)
	s.mu.Lock()
	s.queues[cfg.Address] = cfg
	s.mu.Unlock()
	return nil
}

func (s *Service) queue(addr crypto.Address) (QueueConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.queues[addr]
	return cfg, ok
}

func authorised(cfg QueueConfig, authority crypto.Address) bool {
	for _, allowed := range cfg.Authorities {
		if allowed == authority {
			return true
		}
	}
	return false
}

// RegisterTask stores a future call. Re-registering the same call, trigger
// and reward under the same task id while it is still active returns the
// existing task.
func (s *Service) RegisterTask(ctx context.Context, req RegisterRequest) (*Task, bool, error) {
	task, created, err := s.register(ctx, req)
	result := "created"
	switch {
	case err != nil:
		result = "rejected"
	case !created:
		result = "existing"
	}
	observability.Scheduler().RecordRegistration(result)
	return task, created, err
}

func (s *Service) register(ctx context.Context, req RegisterRequest) (*Task, bool, error) {
	cfg, ok := s.queue(req.Queue)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrQueueNotFound, req.Queue)
	}
	if !authorised(cfg, req.Authority) {
		return nil, false, ErrUnauthorizedQueue
	}
	if req.Reward < cfg.MinReward {
		return nil, false, fmt.Errorf("%w: %d < %d", ErrRewardTooLow, req.Reward, cfg.MinReward)
	}
	if req.TriggerAt <= 0 {
		return nil, false, fmt.Errorf("%w: trigger time required", ErrInvalidTask)
	}
	description := strings.TrimSpace(req.Description)
	if len(description) > maxDescriptionLen {
		return nil, false, fmt.Errorf("%w: description longer than %d bytes", ErrInvalidTask, maxDescriptionLen)
	}
	tx, err := DecodeTransaction(req.Call)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if tx.Payer() != req.Authority {
		return nil, false, fmt.Errorf("%w: envelope not signed by registering authority", ErrUnauthorizedQueue)
	}

	digest := Digest(req.Call)
	queueKey := req.Queue.String()
	existing, err := s.store.FindActive(ctx, queueKey, req.TaskID)
	switch {
	case err == nil:
		if existing.Digest == digest && existing.TriggerAt == req.TriggerAt && existing.Reward == req.Reward {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %d", ErrDuplicateTask, req.TaskID)
	case !errors.Is(err, ErrTaskNotFound):
		return nil, false, err
	}

	task := &Task{
		ID:          uuid.NewString(),
		Queue:       queueKey,
		Authority:   req.Authority.String(),
		TaskID:      req.TaskID,
		TriggerAt:   req.TriggerAt,
		Call:        append([]byte(nil), req.Call...),
		Digest:      digest,
		Reward:      req.Reward,
		Description: description,
		Status:      StatusPending,
		MaxAttempts: cfg.MaxAttempts,
		CreatedAt:   s.nowFn(),
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, false, err
	}
	s.logger.Info("scheduled task registered",
		slog.String("task", task.ID),
		slog.String("queue", task.Queue),
		slog.Int("task_id", int(task.TaskID)),
		slog.Int64("trigger_at", task.TriggerAt),
		slog.String("description", task.Description))
	return task.Clone(), true, nil
}

// Get returns a stored task.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List returns the most recent tasks, optionally for one queue.
func (s *Service) List(ctx context.Context, queue string, limit int) ([]*Task, error) {
	return s.store.List(ctx, queue, limit)
}

// Crank dispatches every task that is due now. It returns the number of
// tasks published.
func (s *Service) Crank(ctx context.Context) (int, error) {
	due, err := s.store.Due(ctx, s.nowFn().Unix(), s.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, task := range due {
		if err := s.store.MarkQueued(ctx, task.ID); err != nil {
			if errors.Is(err, ErrTaskConflict) {
				continue
			}
			return published, err
		}
		if err := s.producer.Publish(ctx, task.ID); err != nil {
			s.logger.Warn("dispatch failed", slog.String("task", task.ID), slog.Any("error", err))
			if _, claimErr := s.store.Claim(ctx, task.ID); claimErr == nil {
				_ = s.store.MarkFailed(ctx, task.ID, err.Error(), task.Attempts+1 >= task.MaxAttempts)
			}
			continue
		}
		observability.Scheduler().RecordDispatch()
		published++
	}
	return published, nil
}

// Run cranks on every tick until ctx is cancelled. Interrupted tasks from a
// previous run are returned to pending first.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if n, err := s.store.Requeue(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Info("requeued interrupted tasks", slog.Int("count", n))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Crank(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("crank failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
