package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// Action hints derived for failed tasks. Presentation only: the hint is a
// pure function of the recorded error class and retry count, never of the
// message text.
const (
	ActionRestartFlow    = "restart_flow"
	ActionAutomaticRetry = "automatic_retry"
	ActionContactSupport = "contact_support"
)

// Handler exposes the onboarding saga over HTTP. Enqueue never performs an
// external call inline; everything after the insert happens via the worker.
type Handler struct {
	repo       store.TaskRepository
	validate   *validator.Validate
	maxRetries int
	staleAfter time.Duration
}

func NewHandler(repo store.TaskRepository, maxRetries int, staleAfter time.Duration) *Handler {
	return &Handler{
		repo:       repo,
		validate:   validator.New(),
		maxRetries: maxRetries,
		staleAfter: staleAfter,
	}
}

// Enqueue creates (or returns) the saga instance for the request's
// idempotency key and responds immediately with the task id.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task := store.NewTask(req.TenantID, req.IdempotencyKey, store.TaskInputs{
		Code:              req.Code,
		WabaIDHint:        req.WabaIDHint,
		PhoneNumberIDHint: req.PhoneNumberIDHint,
	})

	task, err := h.repo.Enqueue(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResponse{TaskID: task.ID, Status: string(task.Status)})
}

// GetTask is the status poll.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := h.repo.GetByID(r.Context(), taskID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(task))
}

// GetActive returns the tenant's pending or processing task, if any.
func (h *Handler) GetActive(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id_required", "")
		return
	}
	task, err := h.repo.FindActiveByTenant(r.Context(), tenantID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(task))
}

// GetLastFailure returns the tenant's most recent failed task for diagnostics.
func (h *Handler) GetLastFailure(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id_required", "")
		return
	}
	task, err := h.repo.FindLastFailedByTenant(r.Context(), tenantID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(task))
}

// Cancel terminates a non-terminal task. Idempotent: repeating the cancel
// reports already_cancelled instead of erroring.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, alreadyCancelled, err := h.repo.Cancel(r.Context(), taskID, req.TenantID, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", "")
		return
	case errors.Is(err, store.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", "")
		return
	case errors.Is(err, store.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", "task already completed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{
		TaskID:           task.ID,
		Status:           string(task.Status),
		AlreadyCancelled: alreadyCancelled,
	})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task_not_found", "")
		return
	}
	writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
}

// toResponse shapes the polling view per status.
func (h *Handler) toResponse(task *store.OnboardingTask) TaskResponse {
	resp := TaskResponse{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		Status:     string(task.Status),
		RetryCount: task.RetryCount,
		CreatedAt:  task.CreatedAt.Format(time.RFC3339),
	}
	if task.StartedAt != nil {
		resp.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.FinishedAt != nil {
		resp.FinishedAt = task.FinishedAt.Format(time.RFC3339)
	}

	switch task.Status {
	case store.TaskCompleted:
		resp.Result = task.Result
	case store.TaskFailed:
		resp.Error = &TaskError{
			Class:          string(task.ErrorClass),
			Message:        task.ErrorMessage,
			ActionRequired: h.actionRequired(task),
		}
	case store.TaskProcessing:
		stale := task.StartedAt != nil && time.Since(*task.StartedAt) > h.staleAfter
		resp.Stale = &stale
	}
	return resp
}

func (h *Handler) actionRequired(task *store.OnboardingTask) string {
	switch {
	case task.ErrorClass == store.ErrClassConsumed, task.ErrorClass == store.ErrClassValidation:
		// The stored inputs can never succeed; the tenant has to start over.
		return ActionRestartFlow
	case task.RetryCount < h.maxRetries:
		return ActionAutomaticRetry
	default:
		return ActionContactSupport
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
