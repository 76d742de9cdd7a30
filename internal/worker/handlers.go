package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/job"
	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/repo"
	"github.com/quantora/steprunner/internal/telemetry"
)

// handleStepDispatched обрабатывает событие steps.dispatched.
func (w *Worker) handleStepDispatched(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepDispatchedPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse step.dispatched payload", "error", err)
		return err
	}

	w.logger.Debug("received step.dispatched event",
		"step_id", payload.StepID,
		"lane", payload.Lane,
	)

	if err := w.processStep(ctx, payload.StepID); err != nil {
		// Ожидаемые гонки — ack без retry.
		if errors.Is(err, ErrStepNotFound) ||
			errors.Is(err, ErrStepNotDispatched) ||
			errors.Is(err, ErrStepClaimed) {
			w.logger.Debug("step not processed", "step_id", payload.StepID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process step", "step_id", payload.StepID, "error", err)
		return err
	}
	return nil
}

// processStep забирает step, выполняет job и применяет исход.
func (w *Worker) processStep(ctx context.Context, stepID uuid.UUID) error {
	step, err := w.store.GetByID(ctx, stepID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		return fmt.Errorf("get step: %w", err)
	}

	if step.Status != domain.StepStatusDispatched {
		return fmt.Errorf("%w: %s is %s", ErrStepNotDispatched, stepID, step.Status)
	}

	// Захват step: проигравший гонку воркер получает stale guard.
	if err := step.MarkRunning(); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if err := w.store.UpdateStatus(ctx, step, domain.StepStatusDispatched); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			return fmt.Errorf("%w: %s", ErrStepClaimed, stepID)
		}
		return fmt.Errorf("update step to running: %w", err)
	}

	logger := telemetry.WithStepID(w.logger, step.ID.String())
	logger.Info("step started",
		"lane", step.Lane,
		"action", step.Action,
		"attempt", step.RetryCount+1,
	)

	result, execErr := w.execute(ctx, step)
	return w.applyOutcome(ctx, step, result, execErr)
}

// execute выполняет job с защитой от паники.
func (w *Worker) execute(ctx context.Context, step *domain.Step) (result *job.Result, err error) {
	action, err := w.registry.Get(step.Action)
	if err != nil {
		return nil, fmt.Errorf("resolve action %q: %w", step.Action, err)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	timer := telemetry.NewJobTimer(step.Action)
	defer timer.ObserveDuration()

	return action.Execute(ctx, &job.Request{
		StepID:    step.ID,
		Action:    step.Action,
		Args:      step.Args,
		Attempt:   step.RetryCount + 1,
		Throttler: w.throttler,
	})
}

// panicError — паника job, превращённая в unrecoverable-ошибку.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.value)
}

// applyOutcome применяет исход job к step и публикует step.completed.
func (w *Worker) applyOutcome(ctx context.Context, step *domain.Step, result *job.Result, execErr error) error {
	logger := telemetry.WithStepID(w.logger, step.ID.String())

	outcome := "failed"
	switch {
	case execErr != nil:
		trace := ""
		var pan *panicError
		if errors.As(execErr, &pan) {
			trace = string(pan.stack)
		}
		if err := step.MarkFailed(execErr.Error(), trace); err != nil {
			return err
		}
		logger.Warn("step failed", "attempt", step.RetryCount+1, "error", execErr)

	case result == nil || result.Outcome == job.OutcomeCompleted:
		var payload map[string]any
		if result != nil {
			payload = result.Payload
		}
		if step.HasChildren() {
			// Родитель остаётся RUNNING до roll-up'а дочернего блока;
			// сохраняем только результат его собственного job.
			step.Result = payload
			outcome = "running"
			logger.Info("step job done, awaiting child block")
		} else {
			if err := step.MarkCompleted(payload); err != nil {
				return err
			}
			outcome = "completed"
			logger.Info("step completed", "duration", step.Duration())
		}

	case result.Outcome == job.OutcomeRetry:
		delay := result.RetryDelay
		if delay <= 0 {
			delay = retryBackoff(step.RetryCount)
		}
		if err := step.MarkRetry(delay); err != nil {
			return err
		}
		outcome = "retry"
		logger.Info("step scheduled for retry",
			"retry_count", step.RetryCount,
			"max_retries", step.MaxRetries,
			"delay", delay,
		)

	case result.Outcome == job.OutcomeSkip:
		if err := step.MarkSkipped(); err != nil {
			return err
		}
		outcome = "skipped"
		logger.Info("step skipped", "reason", result.Message)

	case result.Outcome == job.OutcomeStop:
		if err := step.MarkStopped(result.Message); err != nil {
			return err
		}
		outcome = "stopped"
		logger.Warn("step stopped", "reason", result.Message)

	default:
		return fmt.Errorf("unknown job outcome %q for step %s", result.Outcome, step.ID)
	}

	if err := w.store.UpdateStatus(ctx, step, domain.StepStatusRunning); err != nil {
		return fmt.Errorf("update step to %s: %w", step.Status, err)
	}

	telemetry.JobsTotal.WithLabelValues(step.Action, outcome).Inc()
	w.publishCompletion(ctx, step)
	return nil
}

// publishCompletion публикует событие step.completed для немедленного
// тика полосы. Ошибка публикации не фатальна: диспетчер подхватит
// изменение плановым тиком.
func (w *Worker) publishCompletion(ctx context.Context, step *domain.Step) {
	if w.publisher == nil {
		return
	}

	payload := mq.StepCompletedPayload{
		StepID: step.ID,
		Lane:   step.Lane,
		Status: string(step.Status),
		Error:  step.ErrorMessage,
	}
	if err := w.publisher.PublishStepCompleted(ctx, payload); err != nil {
		w.logger.Warn("failed to publish step.completed",
			"step_id", step.ID,
			"error", err,
		)
	}
}

// retryBackoff возвращает экспоненциальную задержку retry с потолком.
func retryBackoff(retryCount int) time.Duration {
	delay := defaultRetryBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
