package domain

import "fmt"

// StepStatus — статус выполнения step.
//
// Жизненный цикл:
//
//	NOT_RUNNABLE → PENDING → DISPATCHED → RUNNING → COMPLETED
//	                                              ↘ FAILED
//	                                              ↘ STOPPED
//	                                              ↘ PENDING (retry)
//	PENDING|DISPATCHED → CANCELLED
//	любой нетерминальный → SKIPPED (при skip родителя)
type StepStatus string

const (
	// StepStatusPending — step готов к диспетчеризации (с учётом not_before и порядка в блоке).
	StepStatusPending StepStatus = "PENDING"

	// StepStatusDispatched — step передан воркеру, но ещё не выполняется.
	StepStatusDispatched StepStatus = "DISPATCHED"

	// StepStatusRunning — step выполняется воркером.
	StepStatusRunning StepStatus = "RUNNING"

	// StepStatusCompleted — step успешно завершён.
	StepStatusCompleted StepStatus = "COMPLETED"

	// StepStatusFailed — step завершился с ошибкой (после всех retry либо каскадно).
	StepStatusFailed StepStatus = "FAILED"

	// StepStatusSkipped — step пропущен (сам или вслед за родителем).
	StepStatusSkipped StepStatus = "SKIPPED"

	// StepStatusCancelled — step отменён оператором либо каскадно.
	StepStatusCancelled StepStatus = "CANCELLED"

	// StepStatusStopped — выполнение остановлено самим job (без retry).
	StepStatusStopped StepStatus = "STOPPED"

	// StepStatusNotRunnable — step припаркован: предусловие ещё не выполнено.
	StepStatusNotRunnable StepStatus = "NOT_RUNNABLE"
)

// IsTerminal возвращает true, если статус финальный: step больше никогда
// не меняет статус.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped,
		StepStatusCancelled, StepStatusStopped:
		return true
	default:
		return false
	}
}

// IsConcluded возвращает true для терминальных «успешных» статусов —
// тех, что засчитываются при roll-up завершения родителя.
func (s StepStatus) IsConcluded() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// IsFailedClass возвращает true для терминальных «неуспешных» статусов —
// тех, что засчитываются при roll-up провала родителя.
func (s StepStatus) IsFailedClass() bool {
	return s == StepStatusFailed || s == StepStatusStopped
}

// validTransitions — таблица допустимых переходов машины состояний.
//
// Терминальные статусы отсутствуют в таблице: из них переходов нет.
var validTransitions = map[StepStatus]map[StepStatus]bool{
	StepStatusNotRunnable: {
		StepStatusPending:   true,
		StepStatusSkipped:   true,
		StepStatusCancelled: true,
		StepStatusFailed:    true,
	},
	StepStatusPending: {
		StepStatusDispatched: true,
		StepStatusCancelled:  true,
		StepStatusSkipped:    true,
		StepStatusFailed:     true,
	},
	StepStatusDispatched: {
		StepStatusRunning:   true,
		StepStatusCancelled: true,
		StepStatusSkipped:   true,
		StepStatusFailed:    true,
	},
	StepStatusRunning: {
		StepStatusCompleted: true,
		StepStatusFailed:    true,
		StepStatusStopped:   true,
		StepStatusPending:   true, // явный retry
		StepStatusSkipped:   true,
	},
}

// CanTransition проверяет допустимость перехода s → to.
func (s StepStatus) CanTransition(to StepStatus) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[to]
}

// ErrInvalidTransition — попытка недопустимого перехода статуса.
//
// Это нарушение инварианта машины состояний, то есть баг в ядре:
// такая ошибка логируется громко и останавливает обработку
// конкретного step, а не глотается.
type ErrInvalidTransition struct {
	From StepStatus
	To   StepStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid step transition: %s -> %s", e.From, e.To)
}
