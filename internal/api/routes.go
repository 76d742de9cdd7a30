package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Steps
	mux.Handle("POST /api/v1/steps", chain(http.HandlerFunc(h.CreateStep)))
	mux.Handle("GET /api/v1/steps/{id}", chain(http.HandlerFunc(h.GetStep)))
	mux.Handle("POST /api/v1/steps/{id}/cancel", chain(http.HandlerFunc(h.CancelStep)))
	mux.Handle("POST /api/v1/steps/{id}/children", chain(http.HandlerFunc(h.CreateChildBlock)))

	// Circuit breaker
	mux.Handle("GET /api/v1/dispatch", chain(http.HandlerFunc(h.GetDispatchStatus)))
	mux.Handle("POST /api/v1/dispatch/enable", chain(http.HandlerFunc(h.EnableDispatch)))
	mux.Handle("POST /api/v1/dispatch/disable", chain(http.HandlerFunc(h.DisableDispatch)))

	// Schedules
	mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))
	mux.Handle("POST /api/v1/schedules", chain(http.HandlerFunc(h.CreateSchedule)))
	mux.Handle("GET /api/v1/schedules/{id}", chain(http.HandlerFunc(h.GetSchedule)))
	mux.Handle("PUT /api/v1/schedules/{id}/enabled", chain(http.HandlerFunc(h.SetScheduleEnabled)))
}
