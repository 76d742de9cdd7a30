package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/quantora/steprunner/internal/dispatch"
)

// CreateStep обрабатывает POST /api/v1/steps.
func (h *Handler) CreateStep(w http.ResponseWriter, r *http.Request) {
	var req CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		BadRequest(w, "action is required")
		return
	}

	step, err := h.creator.CreateRoot(r.Context(), req.toSpec())
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownAction) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("step created via api",
		"step_id", step.ID,
		"action", step.Action,
		"lane", step.Lane,
	)
	Created(w, toStepResponse(step))
}

// GetStep обрабатывает GET /api/v1/steps/{id}.
func (h *Handler) GetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStepID(w, r)
	if !ok {
		return
	}

	step, err := h.steps.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "step not found") {
		return
	}
	Success(w, toStepResponse(step))
}

// CancelStep обрабатывает POST /api/v1/steps/{id}/cancel.
func (h *Handler) CancelStep(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStepID(w, r)
	if !ok {
		return
	}

	step, err := dispatch.CancelStep(r.Context(), h.steps, id)
	if err != nil {
		if errors.Is(err, dispatch.ErrStepNotCancellable) {
			InvalidState(w, err.Error())
			return
		}
		if HandleRepoError(w, h.logger, err, "step not found") {
			return
		}
	}

	h.logger.Info("step cancelled via api", "step_id", step.ID)
	Success(w, toStepResponse(step))
}

// CreateChildBlock обрабатывает POST /api/v1/steps/{id}/children.
func (h *Handler) CreateChildBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStepID(w, r)
	if !ok {
		return
	}

	var req CreateChildBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	parent, err := h.steps.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "step not found") {
		return
	}

	specs := make([]dispatch.StepSpec, len(req.Steps))
	for i, stepReq := range req.Steps {
		if stepReq.Action == "" {
			BadRequest(w, "action is required for every step")
			return
		}
		specs[i] = stepReq.toSpec()
	}

	children, err := h.creator.CreateChildBlock(r.Context(), parent, specs)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrEmptyBlock):
			BadRequest(w, "steps must not be empty")
		case errors.Is(err, dispatch.ErrUnknownAction):
			BadRequest(w, err.Error())
		case errors.Is(err, dispatch.ErrParentTerminal):
			InvalidState(w, err.Error())
		default:
			if !HandleRepoError(w, h.logger, err, "step not found") {
				InternalError(w, h.logger, err)
			}
		}
		return
	}

	h.logger.Info("child block created via api",
		"parent_id", parent.ID,
		"steps", len(children),
		"lane", parent.Lane,
	)
	Created(w, toStepResponses(children))
}

// parseStepID извлекает UUID из path value {id}.
func parseStepID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid step id")
		return uuid.Nil, false
	}
	return id, true
}
