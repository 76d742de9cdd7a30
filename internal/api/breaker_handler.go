package api

import (
	"net/http"

	"github.com/quantora/steprunner/internal/domain"
)

// GetDispatchStatus обрабатывает GET /api/v1/dispatch.
func (h *Handler) GetDispatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	enabled, err := h.breaker.Enabled(ctx)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	canRestart, err := h.breaker.CanSafelyRestart(ctx)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	running, err := h.steps.CountByStatus(ctx, domain.StepStatusRunning)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	dispatched, err := h.steps.CountByStatus(ctx, domain.StepStatusDispatched)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Success(w, DispatchStatusResponse{
		Enabled:          enabled,
		CanSafelyRestart: canRestart,
		RunningSteps:     running,
		DispatchedSteps:  dispatched,
	})
}

// EnableDispatch обрабатывает POST /api/v1/dispatch/enable.
func (h *Handler) EnableDispatch(w http.ResponseWriter, r *http.Request) {
	if err := h.breaker.Enable(r.Context()); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, map[string]bool{"enabled": true})
}

// DisableDispatch обрабатывает POST /api/v1/dispatch/disable.
func (h *Handler) DisableDispatch(w http.ResponseWriter, r *http.Request) {
	if err := h.breaker.Disable(r.Context()); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, map[string]bool{"enabled": false})
}
