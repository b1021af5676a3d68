package store

import "time"

// PhoneStatus is the local view of a phone number whose canonical
// registration lives in the external platform.
type PhoneStatus string

const (
	PhonePending            PhoneStatus = "pending"
	PhoneActive             PhoneStatus = "active"
	PhoneRegistrationFailed PhoneStatus = "registration_failed"
	// Blocked and disabled are set only by asynchronous platform
	// notifications, never by the saga.
	PhoneBlocked  PhoneStatus = "blocked"
	PhoneDisabled PhoneStatus = "disabled"
)

// PhoneRegistration anchors an external phone registration locally. The row
// is created in pending before the external call (commit A) and finalized to
// active or registration_failed afterwards (commit B), both commits being
// conditional updates.
type PhoneRegistration struct {
	PhoneNumberID string      `json:"phone_number_id" bson:"phone_number_id"`
	WabaID        string      `json:"waba_id" bson:"waba_id"`
	TenantID      string      `json:"tenant_id" bson:"tenant_id"`
	DisplayNumber string      `json:"display_number" bson:"display_number"`
	Status        PhoneStatus `json:"status" bson:"status"`
	CreatedAt     time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" bson:"updated_at"`
}

// ChannelCredential holds the platform credentials produced by a completed
// onboarding: the long-lived access token plus the resolved identifiers.
// One row per tenant, written idempotently by the persist-credentials step.
type ChannelCredential struct {
	TenantID      string    `json:"tenant_id"`
	WabaID        string    `json:"waba_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	AccessToken   string    `json:"access_token"`
	UpdatedAt     time.Time `json:"updated_at"`
}
