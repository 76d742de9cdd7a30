package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantora/steprunner/internal/domain"
	"github.com/quantora/steprunner/internal/mq"
	"github.com/quantora/steprunner/internal/repo"
	"github.com/quantora/steprunner/internal/telemetry"
)

// tick выполняет один тик полосы под её замком допуска.
//
// Фазы идут в фиксированном порядке; фаза, изменившая хоть один step,
// завершает тик — следующий слой каскада подхватит следующий тик.
// Circuit breaker гейтит только диспетчеризацию (фазу 9): фазы 1–7
// выполняются всегда.
func (d *Dispatcher) tick(ctx context.Context, lane, tickID string) error {
	if err := d.acquireLane(ctx, lane, tickID); err != nil {
		if errors.Is(err, repo.ErrLaneBusy) {
			// Полосу тикает другой процесс.
			return nil
		}
		return fmt.Errorf("acquire lane: %w", err)
	}
	defer func() {
		// Release должен пройти и после отмены ctx на shutdown, иначе
		// полоса остаётся запертой для всех диспетчеров.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), laneReleaseTimeout)
		defer cancel()
		if err := d.lanes.Release(releaseCtx, lane, tickID); err != nil {
			d.logger.Error("failed to release lane", "lane", lane, "error", err)
		}
	}()

	telemetry.TicksTotal.WithLabelValues(lane).Inc()
	timer := telemetry.NewTickTimer(lane)
	defer timer.ObserveDuration()

	phases := []struct {
		name string
		run  func(context.Context, string) (int, error)
	}{
		{"skip_children", d.phaseSkipChildren},
		{"cascade_cancel", d.phaseCascadeCancel},
		{"promote_resolvable", d.phasePromoteResolvable},
		{"parent_failure_rollup", d.phaseParentFailureRollup},
		{"failure_cascade", d.phaseFailureCascade},
		{"parent_completion_rollup", d.phaseParentCompletionRollup},
		{"retry_exhaustion", d.phaseRetryExhaustion},
	}

	for _, phase := range phases {
		changed, err := phase.run(ctx, lane)
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase.name, err)
		}
		if changed > 0 {
			// Early return: один слой каскада за тик.
			return nil
		}
	}

	// Фаза 8: гейт circuit breaker'а.
	enabled, err := d.breaker.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("read breaker flag: %w", err)
	}
	if !enabled {
		return nil
	}

	// Фаза 9: диспетчеризация.
	return d.dispatchPending(ctx, lane)
}

// acquireLane берёт замок допуска полосы. Занятый замок старше
// laneLockTimeout принадлежит упавшему процессу: тики длятся доли
// секунды. Такой замок снимается принудительно, после чего Acquire
// повторяется один раз.
func (d *Dispatcher) acquireLane(ctx context.Context, lane, tickID string) error {
	err := d.lanes.Acquire(ctx, lane, tickID)
	if !errors.Is(err, repo.ErrLaneBusy) {
		return err
	}

	reclaimed, ferr := d.lanes.ForceRelease(ctx, lane, time.Now().Add(-laneLockTimeout))
	if ferr != nil {
		return fmt.Errorf("force release lane: %w", ferr)
	}
	if !reclaimed {
		return repo.ErrLaneBusy
	}
	d.logger.Warn("reclaimed stale lane lock", "lane", lane)
	return d.lanes.Acquire(ctx, lane, tickID)
}

// applyCascade прогоняет список кандидатов через мутацию transition.
//
// Guard-конфликт (ErrStaleStatus) — штатная ситуация: другой процесс
// успел перевести step, кандидат просто пропускается. Недопустимый
// переход — нарушение инварианта: логируется и прерывает тик.
func (d *Dispatcher) applyCascade(
	ctx context.Context,
	phase string,
	steps []domain.Step,
	transition func(*domain.Step) error,
) (int, error) {
	changed := 0
	for i := range steps {
		step := &steps[i]
		from := step.Status

		if err := transition(step); err != nil {
			var invalid *domain.ErrInvalidTransition
			if errors.As(err, &invalid) {
				d.logger.Error("invariant violation in cascade phase",
					"phase", phase,
					"step_id", step.ID,
					"from", invalid.From,
					"to", invalid.To,
				)
			}
			return changed, err
		}

		if err := d.store.UpdateStatus(ctx, step, from); err != nil {
			if errors.Is(err, repo.ErrStaleStatus) {
				continue
			}
			return changed, err
		}

		changed++
		telemetry.PhaseTransitions.WithLabelValues(phase).Inc()
		d.logger.Debug("cascade transition",
			"phase", phase,
			"step_id", step.ID,
			"from", from,
			"to", step.Status,
		)
	}
	return changed, nil
}

// phaseSkipChildren — фаза 1: потомки SKIPPED-родителя пропускаются.
func (d *Dispatcher) phaseSkipChildren(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListChildrenOfSkipped(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "skip_children", steps, func(s *domain.Step) error {
		return s.MarkSkipped()
	})
}

// phaseCascadeCancel — фаза 2: потомки CANCELLED-родителя отменяются.
func (d *Dispatcher) phaseCascadeCancel(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListChildrenOfCancelled(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "cascade_cancel", steps, func(s *domain.Step) error {
		return s.MarkCancelled()
	})
}

// phasePromoteResolvable — фаза 3: припаркованные steps с назначенной
// резолюцией возвращаются в PENDING под действие-резолюцию.
func (d *Dispatcher) phasePromoteResolvable(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListResolvable(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "promote_resolvable", steps, func(s *domain.Step) error {
		return s.MarkRunnable()
	})
}

// phaseParentFailureRollup — фаза 4: родитель, у которого блок потомков
// отработал целиком и хотя бы один потомок в failed-class, проваливается.
func (d *Dispatcher) phaseParentFailureRollup(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListParentsChildrenFailed(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "parent_failure_rollup", steps, func(s *domain.Step) error {
		return s.MarkFailed("child block failed", "")
	})
}

// phaseFailureCascade — фаза 5: нетерминальные потомки FAILED-родителя
// проваливаются.
func (d *Dispatcher) phaseFailureCascade(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListChildrenOfFailed(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "failure_cascade", steps, func(s *domain.Step) error {
		return s.MarkFailed("parent step failed", "")
	})
}

// phaseParentCompletionRollup — фаза 6: родитель, у которого все
// потомки завершились успешно, завершается.
func (d *Dispatcher) phaseParentCompletionRollup(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListParentsAllChildrenConcluded(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "parent_completion_rollup", steps, func(s *domain.Step) error {
		return s.MarkCompleted(s.Result)
	})
}

// phaseRetryExhaustion — фаза 7: PENDING steps с исчерпанными retry
// детерминированно проваливаются.
func (d *Dispatcher) phaseRetryExhaustion(ctx context.Context, lane string) (int, error) {
	steps, err := d.store.ListRetryExhausted(ctx, lane, d.batchSize)
	if err != nil {
		return 0, err
	}
	return d.applyCascade(ctx, "retry_exhaustion", steps, func(s *domain.Step) error {
		return s.MarkFailed(
			fmt.Sprintf("retry limit reached after %d attempts", s.RetryCount),
			"",
		)
	})
}

// dispatchPending — фаза 9: готовые PENDING steps передаются воркерам.
//
// Готовность (not_before, предшественник по idx, статус родителя)
// проверяет запрос ListDispatchable. Событие step.dispatched —
// оптимизация доставки: при недоступном брокере воркеры подхватят
// DISPATCHED steps через polling fallback.
func (d *Dispatcher) dispatchPending(ctx context.Context, lane string) error {
	steps, err := d.store.ListDispatchable(ctx, lane, d.batchSize)
	if err != nil {
		return err
	}

	for i := range steps {
		step := &steps[i]
		from := step.Status

		if err := step.MarkDispatched(); err != nil {
			var invalid *domain.ErrInvalidTransition
			if errors.As(err, &invalid) {
				d.logger.Error("invariant violation on dispatch",
					"step_id", step.ID,
					"from", invalid.From,
				)
			}
			return err
		}

		if err := d.store.UpdateStatus(ctx, step, from); err != nil {
			if errors.Is(err, repo.ErrStaleStatus) {
				continue
			}
			return err
		}

		telemetry.StepsDispatched.WithLabelValues(lane).Inc()
		d.logger.Info("step dispatched",
			"step_id", step.ID,
			"lane", lane,
			"action", step.Action,
		)

		if d.publisher != nil {
			payload := mq.StepDispatchedPayload{
				StepID: step.ID,
				Lane:   step.Lane,
				Action: step.Action,
			}
			if err := d.publisher.PublishStepDispatched(ctx, payload); err != nil {
				d.logger.Warn("failed to publish step.dispatched, workers will poll",
					"step_id", step.ID,
					"error", err,
				)
			}
		}
	}

	return nil
}
