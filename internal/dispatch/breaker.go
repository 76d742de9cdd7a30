package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantora/steprunner/internal/domain"
)

// Breaker — ручка circuit breaker'а.
//
// Один глобальный флаг на деплоймент, живёт в ControlStore и гейтит
// только фазу диспетчеризации: фазы устаканивания состояния работают
// всегда, иначе дети, завершившиеся естественно, навсегда оставили бы
// родителей нетерминальными. Выключил флаг → дождался CanSafelyRestart
// → перезапустил воркеров без осиротевших in-flight steps.
type Breaker struct {
	control ControlStore
	steps   Store
	logger  *slog.Logger
}

// NewBreaker создаёт Breaker.
func NewBreaker(control ControlStore, steps Store, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		control: control,
		steps:   steps,
		logger:  logger,
	}
}

// Enabled возвращает текущее значение флага допуска.
func (b *Breaker) Enabled(ctx context.Context) (bool, error) {
	return b.control.DispatchEnabled(ctx)
}

// Enable включает диспетчеризацию.
func (b *Breaker) Enable(ctx context.Context) error {
	if err := b.control.SetDispatchEnabled(ctx, true); err != nil {
		return fmt.Errorf("enable dispatch: %w", err)
	}
	b.logger.Info("dispatch enabled")
	return nil
}

// Disable выключает диспетчеризацию: новые steps не раздаются,
// in-flight работа дорабатывает и устаканивается.
func (b *Breaker) Disable(ctx context.Context) error {
	if err := b.control.SetDispatchEnabled(ctx, false); err != nil {
		return fmt.Errorf("disable dispatch: %w", err)
	}
	b.logger.Info("dispatch disabled")
	return nil
}

// CanSafelyRestart возвращает true, когда деплоймент можно
// перезапускать: флаг выключен И нигде нет RUNNING И нигде нет
// DISPATCHED steps.
func (b *Breaker) CanSafelyRestart(ctx context.Context) (bool, error) {
	enabled, err := b.control.DispatchEnabled(ctx)
	if err != nil {
		return false, fmt.Errorf("read dispatch flag: %w", err)
	}
	if enabled {
		return false, nil
	}

	running, err := b.steps.CountByStatus(ctx, domain.StepStatusRunning)
	if err != nil {
		return false, fmt.Errorf("count running steps: %w", err)
	}
	if running > 0 {
		return false, nil
	}

	dispatched, err := b.steps.CountByStatus(ctx, domain.StepStatusDispatched)
	if err != nil {
		return false, fmt.Errorf("count dispatched steps: %w", err)
	}
	return dispatched == 0, nil
}
