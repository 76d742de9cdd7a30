package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantora/steprunner/internal/domain"
)

// stepColumns — список колонок таблицы steps в порядке сканирования.
const stepColumns = `
	id, block_id, parent_id, child_block_id, idx, action, args, lane,
	not_before, retry_count, max_retries, resolve_action, status,
	dispatched_at, started_at, finished_at, result,
	error_message, error_trace, created_at
`

// StepRepo — репозиторий для работы со steps.
//
// Steps — единственный источник истины о состоянии работы; все
// мутации статуса идут через UpdateStatus с optimistic-guard по
// предыдущему статусу, чтобы конкурентные процессы не перезаписывали
// чужие переходы.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// Create создаёт новый step.
func (r *StepRepo) Create(ctx context.Context, step *domain.Step) error {
	argsJSON, err := json.Marshal(step.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	query := `
		INSERT INTO steps (id, block_id, parent_id, child_block_id, idx, action, args,
		                   lane, not_before, retry_count, max_retries, resolve_action,
		                   status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		step.ID,
		step.BlockID,
		step.ParentID,
		step.ChildBlockID,
		step.Index,
		step.Action,
		argsJSON,
		step.Lane,
		step.NotBefore,
		step.RetryCount,
		step.MaxRetries,
		nullString(step.ResolveAction),
		step.Status,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// CreateBlock создаёт блок steps одной транзакцией и привязывает его
// к родителю (если parent != nil). Либо создаётся весь блок, либо
// ничего: полусозданный блок ломал бы порядок по idx.
func (r *StepRepo) CreateBlock(ctx context.Context, parent *domain.Step, steps []*domain.Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: empty block", ErrInvalidState)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	blockID := steps[0].BlockID
	for _, step := range steps {
		argsJSON, err := json.Marshal(step.Args)
		if err != nil {
			return fmt.Errorf("marshal args: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO steps (id, block_id, parent_id, child_block_id, idx, action, args,
			                   lane, not_before, retry_count, max_retries, resolve_action,
			                   status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			step.ID, step.BlockID, step.ParentID, step.ChildBlockID, step.Index,
			step.Action, argsJSON, step.Lane, step.NotBefore, step.RetryCount,
			step.MaxRetries, nullString(step.ResolveAction), step.Status, step.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert block step: %w", err)
		}
	}

	if parent != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE steps SET child_block_id = $2 WHERE id = $1 AND child_block_id IS NULL
		`, parent.ID, blockID)
		if err != nil {
			return fmt.Errorf("link child block: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: parent already has a child block", ErrInvalidState)
		}
		parent.ChildBlockID = &blockID
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

// GetByID возвращает step по ID.
func (r *StepRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE id = $1`
	return scanStep(r.pool.QueryRow(ctx, query, id))
}

// FindParentOfBlock возвращает step, к которому блок привязан как child block.
// Используется селектором полос для наследования lane потомками.
func (r *StepRepo) FindParentOfBlock(ctx context.Context, blockID uuid.UUID) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE child_block_id = $1`
	return scanStep(r.pool.QueryRow(ctx, query, blockID))
}

// UpdateStatus сохраняет переход статуса step.
//
// Guard по предыдущему статусу: если другая сторона успела перевести
// step, обновление не применяется и возвращается ErrStaleStatus —
// вызывающий просто пропускает step, следующий тик увидит свежий статус.
func (r *StepRepo) UpdateStatus(ctx context.Context, step *domain.Step, from domain.StepStatus) error {
	resultJSON, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	query := `
		UPDATE steps
		SET status = $3, action = $4, resolve_action = $5, not_before = $6,
		    retry_count = $7, dispatched_at = $8, started_at = $9, finished_at = $10,
		    result = $11, error_message = $12, error_trace = $13
		WHERE id = $1 AND status = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		step.ID,
		from,
		step.Status,
		step.Action,
		nullString(step.ResolveAction),
		step.NotBefore,
		step.RetryCount,
		step.DispatchedAt,
		step.StartedAt,
		step.FinishedAt,
		resultJSON,
		nullString(step.ErrorMessage),
		nullString(step.ErrorTrace),
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// CountByStatus возвращает число steps в указанном статусе (по всем полосам).
func (r *StepRepo) CountByStatus(ctx context.Context, status domain.StepStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM steps WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return count, nil
}

// --- Запросы-кандидаты фаз тика ---
//
// Каждая фаза берёт ограниченную пачку кандидатов своей полосы.
// Ограничение LIMIT держит транзакцию фазы маленькой: глубокое дерево
// устаканивается за несколько тиков, а не за один.

// ListChildrenOfSkipped — нетерминальные steps, чей родитель SKIPPED (фаза 1).
func (r *StepRepo) ListChildrenOfSkipped(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "c") + `
		FROM steps c
		JOIN steps p ON c.parent_id = p.id
		WHERE c.lane = $1
		  AND p.status = 'SKIPPED'
		  AND c.status IN ('NOT_RUNNABLE', 'PENDING', 'DISPATCHED', 'RUNNING')
		ORDER BY c.created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListChildrenOfCancelled — отменяемые steps, чей родитель CANCELLED (фаза 2).
// RUNNING исключён: отмена advisory, выполняющийся job не прерывается.
func (r *StepRepo) ListChildrenOfCancelled(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "c") + `
		FROM steps c
		JOIN steps p ON c.parent_id = p.id
		WHERE c.lane = $1
		  AND p.status = 'CANCELLED'
		  AND c.status IN ('NOT_RUNNABLE', 'PENDING', 'DISPATCHED')
		ORDER BY c.created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListResolvable — припаркованные steps с назначенной резолюцией,
// у которых подошло not_before (фаза 3).
func (r *StepRepo) ListResolvable(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE lane = $1
		  AND status = 'NOT_RUNNABLE'
		  AND resolve_action IS NOT NULL
		  AND (not_before IS NULL OR not_before <= now())
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListParentsChildrenFailed — родители в RUNNING, у которых все
// дочерние steps терминальны и хотя бы один в failed-class (фаза 4).
// Смешанный блок (часть COMPLETED, часть FAILED) проваливает родителя:
// failed-class roll-up имеет приоритет над завершением.
func (r *StepRepo) ListParentsChildrenFailed(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "p") + `
		FROM steps p
		WHERE p.lane = $1
		  AND p.status = 'RUNNING'
		  AND p.child_block_id IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM steps c
			WHERE c.block_id = p.child_block_id
			  AND c.status IN ('FAILED', 'STOPPED')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM steps c
			WHERE c.block_id = p.child_block_id
			  AND c.status NOT IN ('COMPLETED', 'FAILED', 'SKIPPED', 'CANCELLED', 'STOPPED')
		  )
		ORDER BY p.created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListChildrenOfFailed — нетерминальные steps, чей родитель FAILED (фаза 5).
func (r *StepRepo) ListChildrenOfFailed(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "c") + `
		FROM steps c
		JOIN steps p ON c.parent_id = p.id
		WHERE c.lane = $1
		  AND p.status = 'FAILED'
		  AND c.status IN ('NOT_RUNNABLE', 'PENDING', 'DISPATCHED', 'RUNNING')
		ORDER BY c.created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListParentsAllChildrenConcluded — родители в RUNNING, у которых все
// дочерние steps завершились успешно (фаза 6).
func (r *StepRepo) ListParentsAllChildrenConcluded(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "p") + `
		FROM steps p
		WHERE p.lane = $1
		  AND p.status = 'RUNNING'
		  AND p.child_block_id IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM steps c WHERE c.block_id = p.child_block_id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM steps c
			WHERE c.block_id = p.child_block_id
			  AND c.status NOT IN ('COMPLETED', 'SKIPPED')
		  )
		ORDER BY p.created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListRetryExhausted — PENDING steps, исчерпавшие retry (фаза 7).
func (r *StepRepo) ListRetryExhausted(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE lane = $1
		  AND status = 'PENDING'
		  AND retry_count > 0
		  AND retry_count >= max_retries
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListDispatchable — PENDING steps, готовые к диспетчеризации (фаза 9):
// not_before прошло, предшественник по idx завершён или пропущен,
// родитель (если есть) в RUNNING.
func (r *StepRepo) ListDispatchable(ctx context.Context, lane string, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + qualify(stepColumns, "s") + `
		FROM steps s
		WHERE s.lane = $1
		  AND s.status = 'PENDING'
		  AND (s.not_before IS NULL OR s.not_before <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM steps prev
			WHERE prev.block_id = s.block_id
			  AND prev.idx = s.idx - 1
			  AND prev.status NOT IN ('COMPLETED', 'SKIPPED')
		  )
		  AND (
			s.parent_id IS NULL
			OR EXISTS (
				SELECT 1 FROM steps p
				WHERE p.id = s.parent_id AND p.status = 'RUNNING'
			)
		  )
		ORDER BY s.created_at ASC, s.idx ASC
		LIMIT $2
	`
	return r.listSteps(ctx, query, lane, limit)
}

// ListDispatched — steps в DISPATCHED (polling fallback воркера).
func (r *StepRepo) ListDispatched(ctx context.Context, limit int) ([]domain.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE status = 'DISPATCHED'
		ORDER BY dispatched_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatched steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

// --- Helpers ---

func (r *StepRepo) listSteps(ctx context.Context, query, lane string, limit int) ([]domain.Step, error) {
	rows, err := r.pool.Query(ctx, query, lane, limit)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows pgx.Rows) ([]domain.Step, error) {
	var steps []domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	var argsJSON, resultJSON []byte
	var resolveAction, errMsg, errTrace *string

	err := row.Scan(
		&step.ID,
		&step.BlockID,
		&step.ParentID,
		&step.ChildBlockID,
		&step.Index,
		&step.Action,
		&argsJSON,
		&step.Lane,
		&step.NotBefore,
		&step.RetryCount,
		&step.MaxRetries,
		&resolveAction,
		&step.Status,
		&step.DispatchedAt,
		&step.StartedAt,
		&step.FinishedAt,
		&resultJSON,
		&errMsg,
		&errTrace,
		&step.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if argsJSON != nil {
		if err := json.Unmarshal(argsJSON, &step.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &step.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if resolveAction != nil {
		step.ResolveAction = *resolveAction
	}
	if errMsg != nil {
		step.ErrorMessage = *errMsg
	}
	if errTrace != nil {
		step.ErrorTrace = *errTrace
	}

	return &step, nil
}
