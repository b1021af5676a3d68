package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no matching row exists.
var ErrNotFound = errors.New("store: not found")

// ErrNotAuthorized is returned by Cancel when the requesting tenant does not
// own the task.
var ErrNotAuthorized = errors.New("store: tenant does not own task")

// ErrNotCancellable is returned by Cancel when the task is already completed.
var ErrNotCancellable = errors.New("store: task already completed")

// TaskRepository defines the database operations for onboarding tasks.
//
// Every transition is a single conditional update ("move from status X to Z");
// the bool result is false when the precondition did not hold because another
// worker claimed, finished, or reset the task first. Callers must treat false
// as ownership lost and discard their in-flight work; it is never an error.
type TaskRepository interface {
	// Enqueue inserts a new task. If the idempotency key already exists, the
	// existing task is returned instead (no duplicate row).
	Enqueue(ctx context.Context, task *OnboardingTask) (*OnboardingTask, error)
	// GetByID returns the task or ErrNotFound.
	GetByID(ctx context.Context, id string) (*OnboardingTask, error)
	// FindActiveByTenant returns the tenant's pending or processing task, or ErrNotFound.
	FindActiveByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error)
	// FindLastFailedByTenant returns the tenant's most recent failed task, or ErrNotFound.
	FindLastFailedByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error)
	// FindPending returns up to limit pending tasks, oldest first.
	FindPending(ctx context.Context, limit int) ([]OnboardingTask, error)
	// FindStuck returns processing tasks whose started_at is older than olderThan.
	FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]OnboardingTask, error)
	// FindRetryable returns failed tasks with a retryable error class and
	// retry_count below maxRetries.
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]OnboardingTask, error)
	// Claim transitions pending -> processing and stamps started_at. This is
	// the sole mechanism for acquiring ownership of a task.
	Claim(ctx context.Context, id string) (bool, error)
	// SaveCheckpoint durably records one irreversible step result, guarded by
	// status = processing. A false return means ownership was lost mid-flight.
	SaveCheckpoint(ctx context.Context, id, step string, result json.RawMessage) (bool, error)
	// Complete transitions processing|failed -> completed. Completing over a
	// prior failure is allowed: a later successful retry wins.
	Complete(ctx context.Context, id string, result json.RawMessage) (bool, error)
	// Fail transitions processing -> failed only, incrementing retry_count. A
	// late failure from a superseded worker can never clobber a real success.
	Fail(ctx context.Context, id string, class ErrorClass, msg string) (bool, error)
	// ResetStuck transitions processing -> pending and clears started_at.
	// Used only by the reaper.
	ResetStuck(ctx context.Context, id string) (bool, error)
	// RetryClaim transitions failed -> pending iff retry_count < maxRetries.
	RetryClaim(ctx context.Context, id string, maxRetries int) (bool, error)
	// Cancel transitions any non-terminal status to cancelled. Returns
	// ErrNotAuthorized when requesterTenantID does not own the task. Cancelling
	// an already-cancelled task succeeds and reports alreadyCancelled = true.
	Cancel(ctx context.Context, id, requesterTenantID, reason string) (task *OnboardingTask, alreadyCancelled bool, err error)
}

// PhoneRepository defines the operations behind the two-phase registration
// pattern plus the credential upsert.
type PhoneRepository interface {
	// GetPhone returns the registration row or ErrNotFound.
	GetPhone(ctx context.Context, phoneNumberID string) (*PhoneRegistration, error)
	// CreatePhonePending inserts the pending anchor row (commit A). Returns
	// false without error when the row already exists.
	CreatePhonePending(ctx context.Context, phone *PhoneRegistration) (bool, error)
	// FinalizePhone applies the external outcome (commit B), conditioned on
	// the prior status the caller observed. Never unconditional.
	FinalizePhone(ctx context.Context, phoneNumberID string, expected, to PhoneStatus) (bool, error)
	// SetPhoneExternalStatus applies an asynchronous platform notification
	// (blocked/disabled). Only the notifications consumer calls this.
	SetPhoneExternalStatus(ctx context.Context, phoneNumberID string, to PhoneStatus) error
	// UpsertCredential stores the tenant's platform credentials, idempotently.
	UpsertCredential(ctx context.Context, cred *ChannelCredential) error
}

// Repository is the full persistence surface of the onboarding service.
type Repository interface {
	TaskRepository
	PhoneRepository
}
