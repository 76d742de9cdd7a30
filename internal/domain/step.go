package domain

import (
	"time"

	"github.com/google/uuid"
)

// Step — отдельная персистентная единица работы.
//
// Steps образуют деревья (parent/child через ChildBlockID) и цепочки
// внутри блока (через Index). Step создаётся API, планировщиком или
// job-телом родителя; продвигается по машине состояний тиком
// диспетчера и отчётом воркера.
type Step struct {
	// ID — уникальный идентификатор step.
	ID uuid.UUID `json:"id"`

	// BlockID — идентификатор блока: группы сиблингов, созданных вместе.
	// Steps одного блока выполняются в порядке возрастания Index.
	BlockID uuid.UUID `json:"block_id"`

	// ParentID — ссылка на родительский step (nil для корневых).
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// ChildBlockID — блок дочерних steps. Родитель не может завершиться,
	// пока все steps этого блока не достигли терминального статуса.
	ChildBlockID *uuid.UUID `json:"child_block_id,omitempty"`

	// Index — порядковый номер внутри блока (начиная с 1).
	// Step с Index = N не диспетчеризуется, пока step с Index = N-1
	// в том же блоке не завершён или не пропущен.
	Index int `json:"index"`

	// Action — ключ действия в реестре job-исполнителей.
	// Неизвестные ключи отклоняются при создании step.
	Action string `json:"action"`

	// Args — аргументы действия (непрозрачный payload).
	Args map[string]any `json:"args,omitempty"`

	// Lane — полоса параллелизма. Назначается корню при создании
	// и наследуется всеми потомками; после назначения неизменяема.
	Lane string `json:"lane"`

	// NotBefore — step не диспетчеризуется раньше этого времени.
	NotBefore *time.Time `json:"not_before,omitempty"`

	// RetryCount — число выполненных retry.
	RetryCount int `json:"retry_count"`

	// MaxRetries — максимум retry; по достижении step переводится в FAILED.
	MaxRetries int `json:"max_retries"`

	// ResolveAction — действие-резолюция для припаркованного step.
	// Если задано, фаза promote-resolvable вернёт step в PENDING
	// с этим действием вместо исходного.
	ResolveAction string `json:"resolve_action,omitempty"`

	// Status — текущий статус step.
	Status StepStatus `json:"status"`

	// DispatchedAt — время передачи воркеру.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального статуса.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Result — результат выполнения (заполняется воркером).
	Result map[string]any `json:"result,omitempty"`

	// ErrorMessage — текст ошибки при FAILED.
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorTrace — трассировка ошибки (цепочка wrap либо stack при панике).
	ErrorTrace string `json:"error_trace,omitempty"`

	// CreatedAt — время создания step.
	CreatedAt time.Time `json:"created_at"`
}

// NewStep создаёт step в статусе PENDING.
func NewStep(action string, args map[string]any) *Step {
	return &Step{
		ID:        uuid.New(),
		BlockID:   uuid.New(),
		Index:     1,
		Action:    action,
		Args:      args,
		Status:    StepStatusPending,
		CreatedAt: time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// IsFinished возвращает true, если step в терминальном статусе.
func (s *Step) IsFinished() bool {
	return s.Status.IsTerminal()
}

// HasChildren возвращает true, если к step привязан блок дочерних steps.
func (s *Step) HasChildren() bool {
	return s.ChildBlockID != nil
}

// transition выполняет переход статуса через машину состояний.
// Недопустимый переход возвращает *ErrInvalidTransition.
func (s *Step) transition(to StepStatus) error {
	if !s.Status.CanTransition(to) {
		return &ErrInvalidTransition{From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// MarkDispatched переводит step в DISPATCHED.
func (s *Step) MarkDispatched() error {
	if err := s.transition(StepStatusDispatched); err != nil {
		return err
	}
	now := time.Now()
	s.DispatchedAt = &now
	return nil
}

// MarkRunning переводит step в RUNNING.
func (s *Step) MarkRunning() error {
	if err := s.transition(StepStatusRunning); err != nil {
		return err
	}
	now := time.Now()
	s.StartedAt = &now
	return nil
}

// MarkCompleted переводит step в COMPLETED с результатом.
func (s *Step) MarkCompleted(result map[string]any) error {
	if err := s.transition(StepStatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	s.Result = result
	return nil
}

// MarkFailed переводит step в FAILED с ошибкой.
func (s *Step) MarkFailed(msg, trace string) error {
	if err := s.transition(StepStatusFailed); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	s.ErrorMessage = msg
	s.ErrorTrace = trace
	return nil
}

// MarkSkipped переводит step в SKIPPED.
func (s *Step) MarkSkipped() error {
	if err := s.transition(StepStatusSkipped); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	return nil
}

// MarkCancelled переводит step в CANCELLED.
func (s *Step) MarkCancelled() error {
	if err := s.transition(StepStatusCancelled); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	return nil
}

// MarkStopped переводит step в STOPPED.
func (s *Step) MarkStopped(msg string) error {
	if err := s.transition(StepStatusStopped); err != nil {
		return err
	}
	now := time.Now()
	s.FinishedAt = &now
	s.ErrorMessage = msg
	return nil
}

// MarkRetry возвращает step из RUNNING в PENDING для повторной попытки:
// увеличивает RetryCount и откладывает диспетчеризацию на delay.
func (s *Step) MarkRetry(delay time.Duration) error {
	if err := s.transition(StepStatusPending); err != nil {
		return err
	}
	s.RetryCount++
	notBefore := time.Now().Add(delay)
	s.NotBefore = &notBefore
	s.StartedAt = nil
	s.DispatchedAt = nil
	return nil
}

// MarkRunnable переводит припаркованный step из NOT_RUNNABLE в PENDING.
// Если задано ResolveAction, оно становится действием step.
func (s *Step) MarkRunnable() error {
	if err := s.transition(StepStatusPending); err != nil {
		return err
	}
	if s.ResolveAction != "" {
		s.Action = s.ResolveAction
		s.ResolveAction = ""
	}
	return nil
}
