package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantora/steprunner/internal/domain"
)

// ScheduleRepo — репозиторий для работы с schedules.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `
	id, name, action, args, cron_expr, interval_sec, timezone, enabled,
	max_retries, next_due_at, last_run_at, last_step_id, created_at, updated_at
`

// Create создаёт новый schedule.
func (r *ScheduleRepo) Create(ctx context.Context, schedule *domain.Schedule) error {
	argsJSON, err := json.Marshal(schedule.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	query := `
		INSERT INTO schedules (id, name, action, args, cron_expr, interval_sec, timezone,
		                       enabled, max_retries, next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		schedule.ID,
		nullString(schedule.Name),
		schedule.Action,
		argsJSON,
		nullString(schedule.CronExpr),
		schedule.IntervalSec,
		schedule.Timezone,
		schedule.Enabled,
		schedule.MaxRetries,
		schedule.NextDueAt,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetByID возвращает schedule по ID.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// List возвращает все schedules.
func (r *ScheduleRepo) List(ctx context.Context, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// SetEnabled включает или выключает schedule.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules SET enabled = $2, updated_at = now() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue возвращает schedules, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// Claim атомарно сдвигает next_due_at с oldDue на nextDue.
//
// CAS по старому значению: из нескольких конкурирующих экземпляров
// планировщика step создаёт только тот, чей Claim прошёл.
func (r *ScheduleRepo) Claim(ctx context.Context, id uuid.UUID, oldDue, nextDue time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET next_due_at = $3, updated_at = now()
		WHERE id = $1 AND next_due_at = $2
	`, id, oldDue, nextDue)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordRun сохраняет информацию о созданном step.
func (r *ScheduleRepo) RecordRun(ctx context.Context, schedule *domain.Schedule) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET last_run_at = $2, last_step_id = $3, updated_at = $4
		WHERE id = $1
	`, schedule.ID, schedule.LastRunAt, schedule.LastStepID, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var schedule domain.Schedule
	var argsJSON []byte
	var name, cronExpr *string

	err := row.Scan(
		&schedule.ID,
		&name,
		&schedule.Action,
		&argsJSON,
		&cronExpr,
		&schedule.IntervalSec,
		&schedule.Timezone,
		&schedule.Enabled,
		&schedule.MaxRetries,
		&schedule.NextDueAt,
		&schedule.LastRunAt,
		&schedule.LastStepID,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if argsJSON != nil {
		if err := json.Unmarshal(argsJSON, &schedule.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if name != nil {
		schedule.Name = *name
	}
	if cronExpr != nil {
		schedule.CronExpr = *cronExpr
	}

	return &schedule, nil
}
