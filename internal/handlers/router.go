package handlers

import "net/http"

// Router wires the API routes onto a mux. Middleware is layered on by
// the caller so tests can exercise bare routes.
func Router(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.handleIndex)

	mux.HandleFunc("POST /v1/scrape", h.handleScrape)
	mux.HandleFunc("POST /v1/scrape/batch", h.handleBatchScrape)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleJobGet)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.handleJobCancel)
	mux.HandleFunc("GET /v1/batches/{id}", h.handleBatchGet)
	mux.HandleFunc("POST /v1/batches/{id}/cancel", h.handleBatchCancel)

	mux.HandleFunc("GET /v1/tasks", h.handleTaskList)
	mux.HandleFunc("POST /v1/tasks/claim", h.handleTaskClaim)
	mux.HandleFunc("GET /v1/tasks/{id}", h.handleTaskGet)
	mux.HandleFunc("POST /v1/tasks/{id}/assign", h.handleTaskAssign)
	mux.HandleFunc("POST /v1/tasks/{id}/start", h.handleTaskStart)
	mux.HandleFunc("POST /v1/tasks/{id}/solve", h.handleTaskSolve)
	mux.HandleFunc("POST /v1/tasks/{id}/mark-unsolvable", h.handleTaskUnsolvable)

	mux.HandleFunc("GET /v1/sessions/{domain}", h.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{domain}", h.handleSessionDelete)

	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.Handle("GET /metrics", h.rec.Handler())
	mux.HandleFunc("GET /healthz", h.handleHealth)

	return mux
}
