package dispatch

import "errors"

// Ошибки диспетчера.
var (
	// ErrUnknownAction — ключ действия не зарегистрирован в реестре.
	// Отклоняется при создании step, а не при диспетчеризации.
	ErrUnknownAction = errors.New("unknown action key")

	// ErrLaneAssigned — попытка переназначить полосу step.
	// Полоса неизменяема после назначения; это нарушение инварианта.
	ErrLaneAssigned = errors.New("lane already assigned")

	// ErrParentTerminal — попытка создать дочерний блок у терминального step.
	ErrParentTerminal = errors.New("parent step is terminal")

	// ErrEmptyBlock — попытка создать пустой блок.
	ErrEmptyBlock = errors.New("child block must not be empty")

	// ErrStepNotCancellable — step нельзя отменить из текущего статуса.
	ErrStepNotCancellable = errors.New("step is not cancellable")
)
