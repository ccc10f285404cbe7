package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/titanfetch/titan/internal/types"
)

// defaultTaskListLimit caps unqualified task listings.
const defaultTaskListLimit = 100

// taskStatuses is the set of filterable lifecycle states.
var taskStatuses = map[types.TaskStatus]struct{}{
	types.TaskPending:    {},
	types.TaskAssigned:   {},
	types.TaskInProgress: {},
	types.TaskSolved:     {},
	types.TaskFailed:     {},
	types.TaskExpired:    {},
	types.TaskUnsolvable: {},
}

// writeTaskError maps queue errors onto API statuses.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, types.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "Task already in a terminal state")
	case errors.Is(err, types.ErrTaskNotPending):
		writeError(w, http.StatusConflict, "Task is not in the required state")
	case errors.Is(err, types.ErrNotAssignee):
		writeError(w, http.StatusForbidden, "Operator is not the task assignee")
	case errors.Is(err, types.ErrEmptySolution):
		writeError(w, http.StatusUnprocessableEntity, "Solver result must carry a clearance and user agent")
	default:
		writeError(w, http.StatusServiceUnavailable, "Task queue unreachable")
	}
}

// handleTaskList lists tasks, optionally filtered by ?status=.
func (h *Handler) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var status types.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = types.TaskStatus(raw)
		if _, ok := taskStatuses[status]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Unknown task status: "+raw)
			return
		}
	}

	limit := defaultTaskListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := h.queue.List(r.Context(), status, limit)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleTaskGet returns one task by ID.
func (h *Handler) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type operatorRequest struct {
	Operator string `json:"operator"`
}

// handleTaskClaim hands the next pending task to the operator. 204
// when nothing is pending.
func (h *Handler) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusUnprocessableEntity, "operator is required")
		return
	}

	task, err := h.queue.Claim(r.Context(), body.Operator)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskAssign hands a specific pending task to the operator.
func (h *Handler) handleTaskAssign(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusUnprocessableEntity, "operator is required")
		return
	}

	task, err := h.queue.Assign(r.Context(), r.PathValue("id"), body.Operator)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskStart moves an assigned task to in_progress.
func (h *Handler) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusUnprocessableEntity, "operator is required")
		return
	}

	if err := h.queue.Start(r.Context(), r.PathValue("id"), body.Operator); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.TaskInProgress)})
}

// solveRequest is the payload a human operator submits for a task.
type solveRequest struct {
	Operator  string            `json:"operator"`
	Clearance string            `json:"cf_clearance"`
	UserAgent string            `json:"user_agent"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// handleTaskSolve records a solved task and writes the clearance
// through to the session store.
func (h *Handler) handleTaskSolve(w http.ResponseWriter, r *http.Request) {
	var body solveRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusUnprocessableEntity, "operator is required")
		return
	}

	result := types.SolverResult{
		Clearance: body.Clearance,
		UserAgent: body.UserAgent,
		Cookies:   body.Cookies,
	}
	if err := h.queue.Submit(r.Context(), r.PathValue("id"), body.Operator, result); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.TaskSolved)})
}

type unsolvableRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleTaskUnsolvable retires a task that no one can solve.
func (h *Handler) handleTaskUnsolvable(w http.ResponseWriter, r *http.Request) {
	var body unsolvableRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if err := h.queue.MarkUnsolvable(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(types.TaskUnsolvable)})
}
