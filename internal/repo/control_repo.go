package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ControlRepo — однострочная таблица управления: глобальный флаг
// допуска диспетчеризации (circuit breaker).
//
// Флаг общий для всех процессов деплоймента, поэтому живёт в БД,
// а не в памяти процесса. Жизненный цикл: по умолчанию включён,
// переключается только оператором, никаких неявных сбросов.
type ControlRepo struct {
	pool *pgxpool.Pool
}

// NewControlRepo создаёт новый ControlRepo.
func NewControlRepo(pool *pgxpool.Pool) *ControlRepo {
	return &ControlRepo{pool: pool}
}

// Ensure создаёт строку управления, если её ещё нет (флаг включён).
func (r *ControlRepo) Ensure(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO control (id, dispatch_enabled)
		VALUES (1, true)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("ensure control row: %w", err)
	}
	return nil
}

// DispatchEnabled возвращает текущее значение флага допуска.
func (r *ControlRepo) DispatchEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := r.pool.QueryRow(ctx, `
		SELECT dispatch_enabled FROM control WHERE id = 1
	`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("read dispatch flag: %w", err)
	}
	return enabled, nil
}

// SetDispatchEnabled устанавливает флаг допуска.
func (r *ControlRepo) SetDispatchEnabled(ctx context.Context, enabled bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE control SET dispatch_enabled = $1 WHERE id = 1
	`, enabled)
	if err != nil {
		return fmt.Errorf("set dispatch flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: control row missing", ErrNotFound)
	}
	return nil
}
