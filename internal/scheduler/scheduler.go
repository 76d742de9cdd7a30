package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/domain"
)

// Default configuration values.
const (
	defaultTickInterval = time.Second
	defaultBatchSize    = 100
)

// ScheduleStore — доступ к schedules. Реализуется repo.ScheduleRepo.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// Claim атомарно сдвигает next_due_at с oldDue на nextDue.
	// false — запуск уже захвачен другим экземпляром.
	Claim(ctx context.Context, id uuid.UUID, oldDue, nextDue time.Time) (bool, error)

	RecordRun(ctx context.Context, schedule *domain.Schedule) error
}

// StepCreator создаёт корневые steps. Реализуется dispatch.Creator.
type StepCreator interface {
	CreateRoot(ctx context.Context, spec dispatch.StepSpec) (*domain.Step, error)
}

// Scheduler обрабатывает due schedules.
type Scheduler struct {
	schedules ScheduleStore
	creator   StepCreator
	logger    *slog.Logger

	tickInterval time.Duration
	batchSize    int

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Creator   StepCreator
	Logger    *slog.Logger

	// TickInterval — период проверки due schedules (default: 1s).
	TickInterval time.Duration

	// BatchSize — количество schedules за один тик (default: 100).
	BatchSize int
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules:    cfg.Schedules,
		creator:      cfg.Creator,
		logger:       logger.With("component", "scheduler"),
		tickInterval: tickInterval,
		batchSize:    batchSize,
	}
}

// Start запускает цикл тиков.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("scheduler tick failed", "error", err)
				}
			}
		}
	}()

	s.logger.Info("scheduler started", "tick_interval", s.tickInterval)
}

// Stop останавливает Scheduler.
func (s *Scheduler) Stop() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick выполняет один тик: находит due schedules и создаёт steps.
// Ошибка одного schedule не блокирует обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var created int
	for i := range schedules {
		sched := &schedules[i]

		stepCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		if stepCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"steps_created", created,
	)
	return nil
}

// processSchedule обрабатывает один due schedule.
// Возвращает true, если step был создан (запуск не был захвачен другим
// экземпляром).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	if sched.NextDueAt == nil {
		return false, nil
	}

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// Schedule некорректный; next_due_at не трогаем, чтобы не
		// потерять расписание молча.
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		return false, nil
	}

	// CAS-захват запуска: двигаем next_due_at до создания step, чтобы
	// параллельный экземпляр не создал дубликат.
	claimed, err := s.schedules.Claim(ctx, sched.ID, *sched.NextDueAt, nextDue)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	if !claimed {
		s.logger.Debug("schedule claimed by another instance", "schedule_id", sched.ID)
		return false, nil
	}

	step, err := s.creator.CreateRoot(ctx, dispatch.StepSpec{
		Action:     sched.Action,
		Args:       sched.Args,
		MaxRetries: sched.MaxRetries,
	})
	if err != nil {
		return false, fmt.Errorf("create root step: %w", err)
	}

	s.logger.Info("created step from schedule",
		"step_id", step.ID,
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"action", step.Action,
		"lane", step.Lane,
	)

	sched.RecordRun(step.ID, nextDue)
	if err := s.schedules.RecordRun(ctx, sched); err != nil {
		return true, fmt.Errorf("record schedule run: %w", err)
	}
	return true, nil
}
