package saga

import (
	"errors"
	"fmt"
	"net"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/waba"
)

// ErrOwnershipLost signals that a conditional write failed because another
// worker (or a cancel) took the task away. It is intercepted inside the
// executor and never persisted or surfaced to the enqueuing caller.
var ErrOwnershipLost = errors.New("saga: task ownership lost")

// StepError carries the error class decided at the failure site, so the
// retry sweep never has to guess from message text.
type StepError struct {
	Step  string
	Class store.ErrorClass
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Class, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ValidationError marks input the saga itself rejected before (or instead
// of) calling the platform.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid input: " + e.Reason }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// BlockedResourceError marks a phone the platform has blocked or disabled;
// saga-driven re-registration is not allowed without external intervention.
type BlockedResourceError struct {
	PhoneNumberID string
	Status        store.PhoneStatus
}

func (e *BlockedResourceError) Error() string {
	return fmt.Sprintf("phone %s is %s and cannot be re-registered", e.PhoneNumberID, e.Status)
}

// Classify wraps a step failure with its error class. Platform errors carry
// structured codes; transport errors count as transient; anything else is
// unknown and retried with caution.
func Classify(step string, err error) *StepError {
	return &StepError{Step: step, Class: classOf(err), Err: err}
}

func classOf(err error) store.ErrorClass {
	switch {
	case waba.IsAuthCodeConsumed(err):
		return store.ErrClassConsumed
	case waba.IsTransient(err):
		return store.ErrClassTransient
	case waba.IsValidation(err):
		return store.ErrClassValidation
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return store.ErrClassValidation
	}
	var blockedErr *BlockedResourceError
	if errors.As(err, &blockedErr) {
		return store.ErrClassValidation
	}

	var apiErr *waba.APIError
	if errors.As(err, &apiErr) {
		return store.ErrClassUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.ErrClassTransient
	}

	return store.ErrClassUnknown
}
