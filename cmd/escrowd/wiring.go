package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/config"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/storage"
)

func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(cfg.Path)
	case config.BackendBolt:
		return storage.NewBoltDB(cfg.Path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (scheduler.Queue, error) {
	switch cfg.Kind {
	case config.QueueMemory:
		return scheduler.NewMemoryQueue(cfg.Size), nil
	case config.QueueRedis:
		return scheduler.NewRedisQueue(ctx, scheduler.RedisQueueConfig{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
			Key:      cfg.Key,
		})
	case config.QueueRabbitMQ:
		return scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:      cfg.URL,
			Queue:    cfg.Name,
			Prefetch: cfg.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("scheduler: unknown queue kind %q", cfg.Kind)
	}
}

// schedulerStack owns the task store, dispatch queue, crank service and the
// optional local processor.
type schedulerStack struct {
	store     *scheduler.GormStore
	queue     scheduler.Queue
	service   *scheduler.Service
	processor *scheduler.Processor
}

func newSchedulerStack(ctx context.Context, cfg config.SchedulerConfig, minReward uint64, engine *escrow.Engine, logger *slog.Logger) (*schedulerStack, error) {
	store, err := scheduler.OpenGormStore(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("scheduler store: %w", err)
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("scheduler queue: %w", err)
	}
	stack := &schedulerStack{store: store, queue: queue}

	log := logger.With(slog.String("component", "scheduler"))
	stack.service = scheduler.NewService(store, queue, scheduler.WithServiceLogger(log))
	if err := stack.service.AddQueue(scheduler.QueueConfig{
		Address:     escrow.TaskQueue(),
		Authorities: []crypto.Address{escrow.QueueAuthority()},
		MinReward:   minReward,
		MaxAttempts: cfg.MaxAttempts,
	}); err != nil {
		stack.Close()
		return nil, err
	}
	engine.SetScheduler(stack.service, escrow.TaskQueue())

	if executor := strings.TrimSpace(cfg.Executor); executor != "" {
		identity, err := crypto.ParseAddress(executor)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("scheduler executor: %w", err)
		}
		stack.processor = scheduler.NewProcessor(store, queue, escrow.NewDispatcher(engine), engine, identity,
			scheduler.WithProcessorLogger(log),
			scheduler.WithWorkerCount(cfg.Workers),
			scheduler.WithProcessorClock(time.Now),
		)
	}
	return stack, nil
}

func (s *schedulerStack) Close() error {
	var errs []error
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
