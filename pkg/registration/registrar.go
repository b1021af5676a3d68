// Package registration implements the two-phase commit pattern for resources
// whose canonical existence lives in an external system: a local anchor row
// is committed before the external call, and the outcome is applied with a
// conditional update afterwards. The external call itself never runs inside
// a local transaction, so its latency holds no locks.
package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// ErrBlocked is wrapped into the error returned when the resource was
// blocked or disabled by the platform; such resources are not eligible for
// saga-driven re-registration.
var ErrBlocked = errors.New("registration: resource blocked by platform")

// ExternalCall performs the remote registration. It must be safe to invoke
// again on resume: the platform treats phone registration as idempotent.
type ExternalCall func(ctx context.Context) error

type Registrar struct {
	repo store.PhoneRepository
}

func NewRegistrar(repo store.PhoneRepository) *Registrar {
	return &Registrar{repo: repo}
}

// Current returns the local view of the phone.
func (r *Registrar) Current(ctx context.Context, phoneNumberID string) (*store.PhoneRegistration, error) {
	return r.repo.GetPhone(ctx, phoneNumberID)
}

// Ensure drives one registration attempt for the given phone:
//
//	absent              -> commit A (pending anchor), external call, commit B
//	pending             -> resume: external call, commit B
//	registration_failed -> retry: external call, commit B
//	active              -> no-op, return the existing row
//	blocked/disabled    -> ErrBlocked
//
// Commit B is always conditioned on the status observed before the external
// call, so a delayed duplicate from a superseded worker can never overwrite
// a result another attempt already finalized. Losing that race adopts the
// winner's outcome.
func (r *Registrar) Ensure(ctx context.Context, phone *store.PhoneRegistration, call ExternalCall) (*store.PhoneRegistration, error) {
	existing, err := r.repo.GetPhone(ctx, phone.PhoneNumberID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		// Commit A: the crash-safe anchor. A concurrent creator losing the
		// insert race is fine; both proceed from the pending row.
		if _, err := r.repo.CreatePhonePending(ctx, phone); err != nil {
			return nil, err
		}
		existing, err = r.repo.GetPhone(ctx, phone.PhoneNumberID)
		if err != nil {
			return nil, err
		}
	}

	switch existing.Status {
	case store.PhoneActive:
		return existing, nil
	case store.PhoneBlocked, store.PhoneDisabled:
		return nil, fmt.Errorf("%w: phone %s is %s", ErrBlocked, existing.PhoneNumberID, existing.Status)
	}

	observed := existing.Status

	// External call, outside any local transaction.
	callErr := call(ctx)

	outcome := store.PhoneActive
	if callErr != nil {
		outcome = store.PhoneRegistrationFailed
	}

	ok, err := r.repo.FinalizePhone(ctx, phone.PhoneNumberID, observed, outcome)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another writer finalized first; its result stands.
		current, err := r.repo.GetPhone(ctx, phone.PhoneNumberID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case store.PhoneActive:
			return current, nil
		case store.PhoneBlocked, store.PhoneDisabled:
			// A platform notification landed while our call was in flight.
			// The block always wins, even over a successful registration.
			return nil, fmt.Errorf("%w: phone %s is %s", ErrBlocked, current.PhoneNumberID, current.Status)
		}
		if callErr != nil {
			return nil, callErr
		}
		// Our call succeeded but a failed attempt finalized in between;
		// promote from the failure state we now observe. The promotion is
		// conditional too, so a notification racing in here still wins.
		if current.Status == store.PhoneRegistrationFailed {
			promoted, err := r.repo.FinalizePhone(ctx, phone.PhoneNumberID, current.Status, store.PhoneActive)
			if err != nil {
				return nil, err
			}
			if !promoted {
				current, err = r.repo.GetPhone(ctx, phone.PhoneNumberID)
				if err != nil {
					return nil, err
				}
				if current.Status == store.PhoneBlocked || current.Status == store.PhoneDisabled {
					return nil, fmt.Errorf("%w: phone %s is %s", ErrBlocked, current.PhoneNumberID, current.Status)
				}
				return current, nil
			}
		}
		return r.repo.GetPhone(ctx, phone.PhoneNumberID)
	}

	if callErr != nil {
		return nil, callErr
	}
	return r.repo.GetPhone(ctx, phone.PhoneNumberID)
}
