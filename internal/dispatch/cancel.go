package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
)

// CancelStep отменяет step по запросу оператора.
//
// Отменяются только ещё не стартовавшие steps (NOT_RUNNABLE, PENDING,
// DISPATCHED). Уже работающий step не прерывается: его потомки будут
// отменены каскадом после того, как сам он завершится. Потомки
// отменённого step'а подхватываются фазой каскадной отмены на
// следующих тиках.
func CancelStep(ctx context.Context, store Store, id uuid.UUID) (*domain.Step, error) {
	step, err := store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := step.Status
	if err := step.MarkCancelled(); err != nil {
		var invalid *domain.ErrInvalidTransition
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: step %s is %s", ErrStepNotCancellable, id, from)
		}
		return nil, err
	}

	if err := store.UpdateStatus(ctx, step, from); err != nil {
		return nil, err
	}
	return step, nil
}
