package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/observability"
)

const instrumentationName = "github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"

// ExecutionContext is handed to the executor for one attempt.
type ExecutionContext struct {
	Task         *Task
	Payer        crypto.Address
	Executor     crypto.Address
	Instructions []Instruction
}

// Executor runs the instructions of a due task against the program that
// owns them.
type Executor interface {
	Execute(ctx context.Context, exec ExecutionContext) error
}

// RewardPayer credits the executor of a successful task.
type RewardPayer interface {
	PayReward(ctx context.Context, to crypto.Address, amount uint64) error
}

// Processor consumes dispatched task ids and executes them.
type Processor struct {
	store    Store
	consumer Consumer
	executor Executor
	rewards  RewardPayer
	identity crypto.Address
	workers  int
	logger   *slog.Logger
	nowFn    func() time.Time
	tracer   trace.Tracer
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount sets the number of consumer goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithProcessorClock overrides the time source.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.nowFn = now
		}
	}
}

// NewProcessor builds a processor that executes tasks as identity and pays
// rewards to it.
func NewProcessor(store Store, consumer Consumer, executor Executor, rewards RewardPayer, identity crypto.Address, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		consumer: consumer,
		executor: executor,
		rewards:  rewards,
		identity: identity,
		workers:  1,
		logger:   slog.Default(),
		nowFn:    time.Now,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run blocks consuming the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if p.consumer == nil {
		return errors.New("scheduler: processor has no consumer")
	}
	return p.consumer.Consume(ctx, p.workers, p.Handle)
}

// Handle executes one task. Duplicate deliveries of a task that is already
// running or finished are ignored.
func (p *Processor) Handle(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	task, err := p.store.Claim(ctx, id)
	if errors.Is(err, ErrTaskConflict) || errors.Is(err, ErrTaskNotFound) {
		span.SetAttributes(attribute.Bool("task.skipped", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.Int("task.attempt", task.Attempts),
		attribute.String("task.description", task.Description),
	)

	tx, err := DecodeTransaction(task.Call)
	if err != nil {
		return p.fail(ctx, span, task, err, true)
	}
	execErr := p.executor.Execute(ctx, ExecutionContext{
		Task:         task.Clone(),
		Payer:        tx.Payer(),
		Executor:     p.identity,
		Instructions: tx.Decompile(),
	})
	if execErr != nil {
		return p.fail(ctx, span, task, execErr, task.Attempts >= task.MaxAttempts)
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, p.identity.String()); err != nil {
		span.RecordError(err)
		return err
	}
	if p.rewards != nil && task.Reward > 0 {
		if err := p.rewards.PayReward(ctx, p.identity, task.Reward); err != nil {
			p.logger.Warn("reward payment failed", slog.String("task", task.ID), slog.Any("error", err))
		}
	}
	lag := p.nowFn().Sub(time.Unix(task.TriggerAt, 0))
	observability.Scheduler().RecordExecution(string(StatusSucceeded), lag, task.Reward)
	executionMetrics().record(ctx, string(StatusSucceeded))
	p.logger.Info("scheduled task executed",
		slog.String("task", task.ID),
		slog.String("description", task.Description),
		slog.Int("attempt", task.Attempts),
		slog.Duration("lag", lag))
	return nil
}

func (p *Processor) fail(ctx context.Context, span trace.Span, task *Task, cause error, terminal bool) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	outcome := "retry"
	if terminal {
		outcome = string(StatusFailed)
	}
	observability.Scheduler().RecordExecution(outcome, 0, 0)
	executionMetrics().record(ctx, outcome)
	p.logger.Warn("scheduled task failed",
		slog.String("task", task.ID),
		slog.Int("attempt", task.Attempts),
		slog.Bool("terminal", terminal),
		slog.Any("error", cause))
	if err := p.store.MarkFailed(ctx, task.ID, cause.Error(), terminal); err != nil {
		return fmt.Errorf("%w (mark failed: %v)", cause, err)
	}
	return cause
}

var (
	otelMetricsOnce sync.Once
	otelMetrics     *processorMetrics
)

type processorMetrics struct {
	executions metric.Int64Counter
}

func executionMetrics() *processorMetrics {
	otelMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)
		counter, err := meter.Int64Counter("escrow.scheduler.executions")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter(instrumentationName)
			counter, _ = fallback.Int64Counter("escrow.scheduler.executions")
		}
		otelMetrics = &processorMetrics{executions: counter}
	})
	return otelMetrics
}

func (m *processorMetrics) record(ctx context.Context, outcome string) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
