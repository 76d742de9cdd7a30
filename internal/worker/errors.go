package worker

import "errors"

// Ошибки воркера.
var (
	// ErrStepNotFound — step не найден в БД.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepNotDispatched — step не в статусе DISPATCHED.
	ErrStepNotDispatched = errors.New("step is not in DISPATCHED status")

	// ErrStepClaimed — step уже забрал другой воркер.
	ErrStepClaimed = errors.New("step claimed by another worker")
)
