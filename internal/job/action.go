package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quantora/steprunner/internal/throttle"
)

// Outcome — исход выполнения action, решающий следующий переход step.
type Outcome string

const (
	// OutcomeCompleted — нормальное завершение (→ COMPLETED,
	// либо ожидание roll-up, если у step есть дочерний блок).
	OutcomeCompleted Outcome = "completed"

	// OutcomeRetry — транзиентная ошибка, попробовать позже (→ PENDING).
	OutcomeRetry Outcome = "retry"

	// OutcomeSkip — job решил, что работа не нужна (→ SKIPPED).
	OutcomeSkip Outcome = "skip"

	// OutcomeStop — job останавливает выполнение без retry (→ STOPPED).
	OutcomeStop Outcome = "stop"
)

// Request — входные данные для выполнения action.
type Request struct {
	// StepID — идентификатор выполняемого step.
	StepID uuid.UUID

	// Action — ключ действия (для составных action'ов).
	Action string

	// Args — аргументы step.
	Args map[string]any

	// Attempt — номер попытки (RetryCount + 1).
	Attempt int

	// Throttler — admission control; action обязан консультироваться
	// с ним перед каждым исходящим вызовом провайдера.
	Throttler *throttle.Throttler
}

// Result — результат выполнения action.
//
// Ошибка из Execute означает unrecoverable-провал (→ FAILED);
// все «мягкие» исходы job сообщает через Result.
type Result struct {
	// Outcome — исход выполнения.
	Outcome Outcome

	// Payload — результат (сохраняется на step).
	Payload map[string]any

	// RetryDelay — явная задержка перед retry.
	// 0 при OutcomeRetry — backoff по умолчанию.
	RetryDelay time.Duration

	// Message — пояснение для OutcomeStop/OutcomeSkip.
	Message string
}

// Completed возвращает результат успешного завершения.
func Completed(payload map[string]any) *Result {
	return &Result{Outcome: OutcomeCompleted, Payload: payload}
}

// Retry возвращает запрос повторной попытки.
func Retry(delay time.Duration) *Result {
	return &Result{Outcome: OutcomeRetry, RetryDelay: delay}
}

// Skip возвращает пропуск step.
func Skip(message string) *Result {
	return &Result{Outcome: OutcomeSkip, Message: message}
}

// Stop возвращает остановку без retry.
func Stop(message string) *Result {
	return &Result{Outcome: OutcomeStop, Message: message}
}

// Action — тело job: то, что воркер выполняет для step.
//
// Action обязан уважать ctx.Done() для graceful shutdown.
type Action interface {
	// Key возвращает стабильный ключ действия в реестре.
	Key() string

	// Execute выполняет действие.
	Execute(ctx context.Context, req *Request) (*Result, error)
}
