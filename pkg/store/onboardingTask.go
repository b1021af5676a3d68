package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle status of an onboarding task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Failed is not terminal: a retry sweep may requeue it and a later
// successful attempt may still complete the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// ErrorClass classifies why a task failed. It is produced at the failure
// site, never inferred later from the error message text.
type ErrorClass string

const (
	// ErrClassTransient covers network errors and platform rate limits;
	// retryable up to the configured cap.
	ErrClassTransient ErrorClass = "transient"
	// ErrClassValidation covers malformed input; never retryable.
	ErrClassValidation ErrorClass = "validation"
	// ErrClassConsumed means the one-time authorization code was already
	// exchanged. Never retryable: the whole flow must restart with a fresh code.
	ErrClassConsumed ErrorClass = "consumed"
	// ErrClassUnknown is anything unclassified; retried with the same cap
	// as transient failures.
	ErrClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether the retry sweep may requeue a failure of this class.
func (c ErrorClass) Retryable() bool {
	return c == ErrClassTransient || c == ErrClassUnknown
}

// TaskInputs is the immutable payload captured at enqueue time. The
// authorization code is single-use: once an exchange call has consumed it,
// it must never be sent to the platform again.
type TaskInputs struct {
	Code              string `json:"code" bson:"code"`
	WabaIDHint        string `json:"waba_id_hint,omitempty" bson:"waba_id_hint,omitempty"`
	PhoneNumberIDHint string `json:"phone_number_id_hint,omitempty" bson:"phone_number_id_hint,omitempty"`
}

// OnboardingTask is one saga instance: a single attempt to onboard a tenant
// onto the messaging platform. It is mutated only through the conditional
// transitions on Repository.
type OnboardingTask struct {
	ID             string                     `json:"id"`
	IdempotencyKey string                     `json:"idempotency_key"`
	TenantID       string                     `json:"tenant_id"`
	Inputs         TaskInputs                 `json:"inputs"`
	Status         TaskStatus                 `json:"status"`
	RetryCount     int                        `json:"retry_count"`
	Checkpoints    map[string]json.RawMessage `json:"checkpoints,omitempty"`
	Result         json.RawMessage            `json:"result,omitempty"`
	ErrorClass     ErrorClass                 `json:"error_class,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	CancelReason   string                     `json:"cancel_reason,omitempty"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	FinishedAt     *time.Time                 `json:"finished_at,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewTask creates a pending OnboardingTask with required fields and sensible defaults.
func NewTask(tenantID, idempotencyKey string, inputs TaskInputs) *OnboardingTask {
	now := time.Now().UTC()
	return &OnboardingTask{
		ID:             uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		TenantID:       tenantID,
		Inputs:         inputs,
		Status:         TaskPending,
		RetryCount:     0,
		Checkpoints:    map[string]json.RawMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
