package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore persists tasks in a relational database. Postgres serves shared
// deployments; SQLite serves single nodes and tests.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore picks a driver from dsn. "postgres://" and "postgresql://"
// DSNs use Postgres; anything else is treated as a SQLite path or DSN, with
// an optional "sqlite://" prefix.
func OpenGormStore(dsn string) (*GormStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("scheduler: store dsn required")
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(trimmed, "sqlite://"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open store: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the task table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("scheduler: nil database")
	}
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, fmt.Errorf("scheduler: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", task.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrTaskConflict
	}
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormStore) FindActive(ctx context.Context, queue string, taskID uint16) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("queue = ? AND task_id = ? AND status NOT IN ?", queue, taskID, []string{string(StatusSucceeded), string(StatusFailed)}).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormStore) Due(ctx context.Context, now int64, limit int) ([]*Task, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND trigger_at <= ?", string(StatusPending), now).
		Order("trigger_at ASC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []*Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// transition applies updates only when the task is in one of the from states.
func (s *GormStore) transition(ctx context.Context, id string, from []Status, updates map[string]any) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, states).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskConflict
}

func (s *GormStore) MarkQueued(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusPending}, map[string]any{"status": string(StatusQueued)})
}

func (s *GormStore) Claim(ctx context.Context, id string) (*Task, error) {
	err := s.transition(ctx, id, []Status{StatusQueued, StatusPending}, map[string]any{
		"status":   string(StatusRunning),
		"attempts": gorm.Expr("attempts + 1"),
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *GormStore) MarkSucceeded(ctx context.Context, id string, executor string) error {
	return s.transition(ctx, id, []Status{StatusRunning}, map[string]any{
		"status":     string(StatusSucceeded),
		"executor":   executor,
		"last_error": "",
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id string, lastError string, terminal bool) error {
	next := StatusPending
	if terminal {
		next = StatusFailed
	}
	return s.transition(ctx, id, []Status{StatusRunning}, map[string]any{
		"status":     string(next),
		"last_error": lastError,
	})
}

func (s *GormStore) Requeue(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("status IN ?", []string{string(StatusQueued), string(StatusRunning)}).
		Update("status", string(StatusPending))
	return int(res.RowsAffected), res.Error
}

func (s *GormStore) List(ctx context.Context, queue string, limit int) ([]*Task, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC").Order("id ASC")
	if queue != "" {
		query = query.Where("queue = ?", queue)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []*Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
