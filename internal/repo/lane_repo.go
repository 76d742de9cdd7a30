package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantora/steprunner/internal/domain"
)

// LaneRepo — репозиторий реестра полос.
type LaneRepo struct {
	pool *pgxpool.Pool
}

// NewLaneRepo создаёт новый LaneRepo.
func NewLaneRepo(pool *pgxpool.Pool) *LaneRepo {
	return &LaneRepo{pool: pool}
}

// Ensure создаёт недостающие полосы из фиксированного набора.
// Вызывается при старте диспетчера.
func (r *LaneRepo) Ensure(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO lanes (name, can_dispatch)
			VALUES ($1, true)
			ON CONFLICT (name) DO NOTHING
		`, name)
		if err != nil {
			return fmt.Errorf("ensure lane %s: %w", name, err)
		}
	}
	return nil
}

// List возвращает все полосы.
func (r *LaneRepo) List(ctx context.Context) ([]domain.Lane, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, can_dispatch, last_selected_at, COALESCE(tick_id, ''), locked_at
		FROM lanes
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list lanes: %w", err)
	}
	defer rows.Close()

	var lanes []domain.Lane
	for rows.Next() {
		var lane domain.Lane
		if err := rows.Scan(&lane.Name, &lane.CanDispatch, &lane.LastSelectedAt, &lane.TickID, &lane.LockedAt); err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

// Select выбирает полосу round-robin'ом: берёт под row lock запись с
// самым старым (или NULL) last_selected_at, штампует её текущим временем
// с микросекундной точностью и возвращает имя.
//
// Транзакция короткая и самостоятельная. Select нельзя вызывать внутри
// внешней транзакции: вложенная семантика обходит row lock и ломает
// равномерность распределения.
func (r *LaneRepo) Select(ctx context.Context) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin lane select: %w", err)
	}
	defer tx.Rollback(ctx)

	var name string
	err = tx.QueryRow(ctx, `
		SELECT name FROM lanes
		ORDER BY last_selected_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE
	`).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: no lanes registered", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("select lane: %w", err)
	}

	// Микросекундный штамп: при высокой конкуренции выборы в пределах
	// одной миллисекунды всё равно должны упорядочиваться.
	_, err = tx.Exec(ctx, `
		UPDATE lanes SET last_selected_at = $2 WHERE name = $1
	`, name, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return "", fmt.Errorf("stamp lane: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit lane select: %w", err)
	}
	return name, nil
}

// Acquire берёт замок допуска полосы для одного тика и штампует
// locked_at. Возвращает ErrLaneBusy, если замок уже держит другой тик.
func (r *LaneRepo) Acquire(ctx context.Context, lane, tickID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE lanes SET can_dispatch = false, tick_id = $2, locked_at = now()
		WHERE name = $1 AND can_dispatch = true
	`, lane, tickID)
	if err != nil {
		return fmt.Errorf("acquire lane %s: %w", lane, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLaneBusy
	}
	return nil
}

// Release возвращает замок допуска полосы.
func (r *LaneRepo) Release(ctx context.Context, lane, tickID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE lanes SET can_dispatch = true, tick_id = NULL, locked_at = NULL
		WHERE name = $1 AND tick_id = $2
	`, lane, tickID)
	if err != nil {
		return fmt.Errorf("release lane %s: %w", lane, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lane %s not held by tick %s", ErrInvalidState, lane, tickID)
	}
	return nil
}

// ForceRelease снимает замок, взятый раньше heldBefore: восстановление
// полосы после падения процесса, державшего тик. Возвращает true, если
// замок был снят, false — если полоса свободна или замок свежий.
func (r *LaneRepo) ForceRelease(ctx context.Context, lane string, heldBefore time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE lanes SET can_dispatch = true, tick_id = NULL, locked_at = NULL
		WHERE name = $1 AND can_dispatch = false AND locked_at < $2
	`, lane, heldBefore)
	if err != nil {
		return false, fmt.Errorf("force release lane %s: %w", lane, err)
	}
	return tag.RowsAffected() > 0, nil
}
