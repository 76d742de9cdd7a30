package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/domain"
)

// ScheduleStore — доступ API к schedules. Реализуется repo.ScheduleRepo.
type ScheduleStore interface {
	Create(ctx context.Context, schedule *domain.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	List(ctx context.Context, limit int) ([]domain.Schedule, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	steps     dispatch.Store
	creator   *dispatch.Creator
	breaker   *dispatch.Breaker
	schedules ScheduleStore
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Steps     dispatch.Store
	Creator   *dispatch.Creator
	Breaker   *dispatch.Breaker
	Schedules ScheduleStore
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		steps:     cfg.Steps,
		creator:   cfg.Creator,
		breaker:   cfg.Breaker,
		schedules: cfg.Schedules,
		logger:    logger,
	}
}
