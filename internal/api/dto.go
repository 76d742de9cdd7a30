package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/dispatch"
	"github.com/quantora/steprunner/internal/domain"
)

// CreateStepRequest — запрос на создание корневого step.
type CreateStepRequest struct {
	Action        string         `json:"action"`
	Args          map[string]any `json:"args,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	NotBefore     *time.Time     `json:"not_before,omitempty"`
	ResolveAction string         `json:"resolve_action,omitempty"`
}

// toSpec преобразует запрос в StepSpec.
func (r *CreateStepRequest) toSpec() dispatch.StepSpec {
	return dispatch.StepSpec{
		Action:        r.Action,
		Args:          r.Args,
		MaxRetries:    r.MaxRetries,
		NotBefore:     r.NotBefore,
		ResolveAction: r.ResolveAction,
	}
}

// CreateChildBlockRequest — запрос на создание блока дочерних steps.
type CreateChildBlockRequest struct {
	Steps []CreateStepRequest `json:"steps"`
}

// StepResponse — представление step в API.
type StepResponse struct {
	ID            uuid.UUID      `json:"id"`
	BlockID       uuid.UUID      `json:"block_id"`
	ParentID      *uuid.UUID     `json:"parent_id,omitempty"`
	ChildBlockID  *uuid.UUID     `json:"child_block_id,omitempty"`
	Index         int            `json:"index"`
	Action        string         `json:"action"`
	Args          map[string]any `json:"args,omitempty"`
	Lane          string         `json:"lane"`
	Status        string         `json:"status"`
	NotBefore     *time.Time     `json:"not_before,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ResolveAction string         `json:"resolve_action,omitempty"`
	DispatchedAt  *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// toStepResponse преобразует step в DTO.
func toStepResponse(step *domain.Step) StepResponse {
	return StepResponse{
		ID:            step.ID,
		BlockID:       step.BlockID,
		ParentID:      step.ParentID,
		ChildBlockID:  step.ChildBlockID,
		Index:         step.Index,
		Action:        step.Action,
		Args:          step.Args,
		Lane:          step.Lane,
		Status:        string(step.Status),
		NotBefore:     step.NotBefore,
		RetryCount:    step.RetryCount,
		MaxRetries:    step.MaxRetries,
		ResolveAction: step.ResolveAction,
		DispatchedAt:  step.DispatchedAt,
		StartedAt:     step.StartedAt,
		FinishedAt:    step.FinishedAt,
		Result:        step.Result,
		ErrorMessage:  step.ErrorMessage,
		CreatedAt:     step.CreatedAt,
	}
}

// toStepResponses преобразует список steps в DTO.
func toStepResponses(steps []*domain.Step) []StepResponse {
	out := make([]StepResponse, len(steps))
	for i, step := range steps {
		out[i] = toStepResponse(step)
	}
	return out
}

// DispatchStatusResponse — состояние circuit breaker'а.
type DispatchStatusResponse struct {
	Enabled          bool `json:"enabled"`
	CanSafelyRestart bool `json:"can_safely_restart"`
	RunningSteps     int  `json:"running_steps"`
	DispatchedSteps  int  `json:"dispatched_steps"`
}

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name,omitempty"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение schedule.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}
