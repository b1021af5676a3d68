package waba

import (
	"errors"
	"fmt"
)

// Platform error codes the saga cares about. Anything else is opaque.
const (
	CodeInvalidParameter = 100
	CodeRateLimited      = 4
	CodeServiceTemporary = 2

	// SubcodeAuthCodeConsumed marks the one-time authorization code as
	// already exchanged. The code cannot be replayed; the tenant has to
	// restart the embedded-signup flow to mint a fresh one.
	SubcodeAuthCodeConsumed = 36007
)

// APIError is the structured failure body returned by the platform.
type APIError struct {
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode,omitempty"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("waba: platform error %d/%d: %s", e.Code, e.Subcode, e.Message)
}

// IsAuthCodeConsumed reports whether err means the one-time code was
// already exchanged by a previous call.
func IsAuthCodeConsumed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeInvalidParameter && apiErr.Subcode == SubcodeAuthCodeConsumed
}

// IsTransient reports whether err is worth retrying: rate limits, temporary
// platform failures, and 5xx responses.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeRateLimited || apiErr.Code == CodeServiceTemporary || apiErr.HTTPStatus >= 500
}

// IsValidation reports whether err is a request the platform rejected as
// malformed (and will keep rejecting).
func IsValidation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeInvalidParameter && apiErr.Subcode != SubcodeAuthCodeConsumed
}
