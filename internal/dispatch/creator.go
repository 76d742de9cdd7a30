package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
)

// Creator создаёт steps: корневые и дочерние блоки.
//
// Единственная точка входа для создания работы: здесь отклоняются
// неизвестные ключи действий и назначается полоса.
type Creator struct {
	steps    Store
	selector *Selector
	registry *job.Registry
}

// NewCreator создаёт Creator.
func NewCreator(steps Store, selector *Selector, registry *job.Registry) *Creator {
	return &Creator{
		steps:    steps,
		selector: selector,
		registry: registry,
	}
}

// StepSpec — описание создаваемого step.
type StepSpec struct {
	// Action — ключ действия.
	Action string

	// Args — аргументы действия.
	Args map[string]any

	// MaxRetries — максимум retry (0 — без retry).
	MaxRetries int

	// NotBefore — отложенный старт.
	NotBefore *time.Time

	// ResolveAction — ключ действия-резолюции. Если задан, step
	// создаётся припаркованным (NOT_RUNNABLE) и будет возвращён в
	// PENDING фазой promote-resolvable.
	ResolveAction string
}

// CreateRoot создаёт корневой step: валидирует действие, выбирает
// полосу round-robin'ом и сохраняет step.
func (c *Creator) CreateRoot(ctx context.Context, spec StepSpec) (*domain.Step, error) {
	step, err := c.buildStep(spec)
	if err != nil {
		return nil, err
	}

	lane, err := c.selector.AssignLane(ctx, step)
	if err != nil {
		return nil, err
	}
	step.Lane = lane

	if err := c.steps.Create(ctx, step); err != nil {
		return nil, fmt.Errorf("create root step: %w", err)
	}
	return step, nil
}

// CreateChildBlock создаёт блок дочерних steps под родителем.
//
// Потомки наследуют полосу родителя; блок сохраняется одной
// транзакцией вместе с привязкой child_block_id. Steps выполняются
// в порядке следования specs (idx 1..N).
func (c *Creator) CreateChildBlock(ctx context.Context, parent *domain.Step, specs []StepSpec) ([]*domain.Step, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyBlock
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrParentTerminal, parent.ID, parent.Status)
	}

	blockID := uuid.New()
	steps := make([]*domain.Step, 0, len(specs))
	for i, spec := range specs {
		step, err := c.buildStep(spec)
		if err != nil {
			return nil, err
		}
		step.BlockID = blockID
		parentID := parent.ID
		step.ParentID = &parentID
		step.Index = i + 1
		step.Lane = parent.Lane
		steps = append(steps, step)
	}

	if err := c.steps.CreateBlock(ctx, parent, steps); err != nil {
		return nil, fmt.Errorf("create child block: %w", err)
	}
	return steps, nil
}

// buildStep собирает step из spec с валидацией действий.
func (c *Creator) buildStep(spec StepSpec) (*domain.Step, error) {
	if !c.registry.Has(spec.Action) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, spec.Action)
	}
	if spec.ResolveAction != "" && !c.registry.Has(spec.ResolveAction) {
		return nil, fmt.Errorf("%w: resolve action %s", ErrUnknownAction, spec.ResolveAction)
	}

	step := domain.NewStep(spec.Action, spec.Args)
	step.MaxRetries = spec.MaxRetries
	step.NotBefore = spec.NotBefore
	if spec.ResolveAction != "" {
		step.Status = domain.StepStatusNotRunnable
		step.ResolveAction = spec.ResolveAction
	}
	return step, nil
}
