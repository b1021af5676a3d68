package api

import "encoding/json"

type EnqueueRequest struct {
	TenantID          string `json:"tenant_id" validate:"required"`
	IdempotencyKey    string `json:"idempotency_key" validate:"required"`
	Code              string `json:"code" validate:"required"`
	WabaIDHint        string `json:"waba_id_hint,omitempty"`
	PhoneNumberIDHint string `json:"phone_number_id_hint,omitempty"`
}

type EnqueueResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type CancelRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

type CancelResponse struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	AlreadyCancelled bool   `json:"already_cancelled"`
}

// TaskResponse is the polling view of a task. Which optional fields are set
// depends on the status: result only when completed, error only when failed,
// stale only while processing.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	TenantID   string          `json:"tenant_id"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  string          `json:"created_at"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	Stale      *bool           `json:"stale,omitempty"`
}

type TaskError struct {
	Class          string `json:"class"`
	Message        string `json:"message"`
	ActionRequired string `json:"action_required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
