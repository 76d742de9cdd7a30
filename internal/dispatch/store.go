package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quantora/steprunner/internal/domain"
)

// Store — доступ тика к Step Store.
//
// Реализуется repo.StepRepo; узкий интерфейс здесь, чтобы фазы
// тестировались на in-memory store без БД. Семантика ошибок — как у
// repo: ErrNotFound, ErrStaleStatus.
type Store interface {
	// Create создаёт step.
	Create(ctx context.Context, step *domain.Step) error

	// CreateBlock создаёт блок steps одной транзакцией и привязывает
	// его к родителю (если parent != nil).
	CreateBlock(ctx context.Context, parent *domain.Step, steps []*domain.Step) error

	// GetByID возвращает step по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error)

	// FindParentOfBlock возвращает step, на который блок привязан
	// как child block.
	FindParentOfBlock(ctx context.Context, blockID uuid.UUID) (*domain.Step, error)

	// UpdateStatus сохраняет переход статуса с guard'ом по прежнему статусу.
	UpdateStatus(ctx context.Context, step *domain.Step, from domain.StepStatus) error

	// CountByStatus возвращает число steps в статусе по всем полосам.
	CountByStatus(ctx context.Context, status domain.StepStatus) (int, error)

	// Запросы-кандидаты фаз тика (см. repo.StepRepo).
	ListChildrenOfSkipped(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListChildrenOfCancelled(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListResolvable(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListParentsChildrenFailed(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListChildrenOfFailed(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListParentsAllChildrenConcluded(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListRetryExhausted(ctx context.Context, lane string, limit int) ([]domain.Step, error)
	ListDispatchable(ctx context.Context, lane string, limit int) ([]domain.Step, error)
}

// LaneRegistry — доступ к реестру полос.
// Реализуется repo.LaneRepo.
type LaneRegistry interface {
	// Ensure создаёт недостающие полосы из фиксированного набора.
	Ensure(ctx context.Context, names []string) error

	// Select выбирает полосу round-robin'ом под row lock.
	Select(ctx context.Context) (string, error)

	// Acquire берёт замок допуска полосы (ErrLaneBusy, если занят).
	Acquire(ctx context.Context, lane, tickID string) error

	// Release возвращает замок допуска.
	Release(ctx context.Context, lane, tickID string) error

	// ForceRelease снимает замок, взятый раньше heldBefore (замок,
	// осиротевший после падения держателя). true — замок был снят.
	ForceRelease(ctx context.Context, lane string, heldBefore time.Time) (bool, error)
}

// ControlStore — хранилище глобального флага допуска диспетчеризации.
// Реализуется repo.ControlRepo.
type ControlStore interface {
	Ensure(ctx context.Context) error
	DispatchEnabled(ctx context.Context) (bool, error)
	SetDispatchEnabled(ctx context.Context, enabled bool) error
}
