package dispatch

import (
	"context"
	"fmt"

	"github.com/quantora/steprunner/internal/domain"
)

// Selector назначает полосу корневым steps и наследует её потомкам.
type Selector struct {
	steps Store
	lanes LaneRegistry
}

// NewSelector создаёт Selector.
func NewSelector(steps Store, lanes LaneRegistry) *Selector {
	return &Selector{steps: steps, lanes: lanes}
}

// AssignLane возвращает полосу для step.
//
// Потомок (ParentID задан) наследует полосу родителя, которого ищем
// по привязке child block → parent; отсутствие родителя у потомка —
// нарушение блочной привязки. Корневой step поиск не делает: его
// свежесгенерированный BlockID заведомо ни с чем не сматчится, и идёт
// через round-robin реестра полос; та транзакция короткая и
// самостоятельная — её нельзя вкладывать во внешнюю
// (см. repo.LaneRepo.Select).
func (s *Selector) AssignLane(ctx context.Context, step *domain.Step) (string, error) {
	if step.Lane != "" {
		// Полоса неизменяема: повторное назначение — баг вызывающего.
		return "", fmt.Errorf("%w: step %s in lane %s", ErrLaneAssigned, step.ID, step.Lane)
	}

	if step.ParentID != nil {
		parent, err := s.steps.FindParentOfBlock(ctx, step.BlockID)
		if err != nil {
			return "", fmt.Errorf("find parent of block %s: %w", step.BlockID, err)
		}
		return parent.Lane, nil
	}

	lane, err := s.lanes.Select(ctx)
	if err != nil {
		return "", fmt.Errorf("select lane: %w", err)
	}
	return lane, nil
}
