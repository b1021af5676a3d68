package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-playground/validator/v10"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// PhoneStatusEvent is the platform's asynchronous notice that a registered
// phone changed state out-of-band (policy enforcement, manual disable).
type PhoneStatusEvent struct {
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=BLOCKED DISABLED ACTIVE"`
	Reason        string `json:"reason,omitempty"`
}

// ErrMalformedEvent marks payloads that can never be applied, however often
// they are redelivered. Consumers drop these and requeue everything else.
var ErrMalformedEvent = errors.New("notifications: malformed phone status event")

// Applier maps platform events onto the local phone registry. It is the
// only writer of the blocked and disabled statuses; the saga never sets
// them itself.
type Applier struct {
	repo     store.PhoneRepository
	validate *validator.Validate
}

func NewApplier(repo store.PhoneRepository) *Applier {
	return &Applier{repo: repo, validate: validator.New()}
}

// Apply decodes and records one event. Unknown phone ids are logged and
// dropped: the notice may concern a phone onboarded elsewhere.
func (a *Applier) Apply(ctx context.Context, payload []byte) error {
	var event PhoneStatusEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := a.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	status, ok := mapStatus(event.Status)
	if !ok {
		return fmt.Errorf("%w: unmapped status %s", ErrMalformedEvent, event.Status)
	}

	err := a.repo.SetPhoneExternalStatus(ctx, event.PhoneNumberID, status)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Phone status event for unknown phone %s, dropping", event.PhoneNumberID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Phone %s marked %s by platform notification", event.PhoneNumberID, status)
	return nil
}

func mapStatus(platform string) (store.PhoneStatus, bool) {
	switch platform {
	case "BLOCKED":
		return store.PhoneBlocked, true
	case "DISABLED":
		return store.PhoneDisabled, true
	case "ACTIVE":
		return store.PhoneActive, true
	default:
		return "", false
	}
}
