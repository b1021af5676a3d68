package saga

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/waba"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want store.ErrorClass
	}{
		{
			name: "consumed auth code",
			err:  &waba.APIError{Code: waba.CodeInvalidParameter, Subcode: waba.SubcodeAuthCodeConsumed},
			want: store.ErrClassConsumed,
		},
		{
			name: "rate limited",
			err:  &waba.APIError{Code: waba.CodeRateLimited},
			want: store.ErrClassTransient,
		},
		{
			name: "server error",
			err:  &waba.APIError{HTTPStatus: 503, Message: "unavailable"},
			want: store.ErrClassTransient,
		},
		{
			name: "invalid parameter",
			err:  &waba.APIError{Code: waba.CodeInvalidParameter, HTTPStatus: 400},
			want: store.ErrClassValidation,
		},
		{
			name: "local validation",
			err:  Validationf("authorization code is required"),
			want: store.ErrClassValidation,
		},
		{
			name: "blocked phone",
			err:  &BlockedResourceError{PhoneNumberID: "phone-1", Status: store.PhoneBlocked},
			want: store.ErrClassValidation,
		},
		{
			name: "network timeout",
			err:  &net.DNSError{Err: "timeout", IsTimeout: true},
			want: store.ErrClassTransient,
		},
		{
			name: "unclassified platform error",
			err:  &waba.APIError{Code: 9999, HTTPStatus: 400},
			want: store.ErrClassUnknown,
		},
		{
			name: "plain error",
			err:  errors.New("something odd"),
			want: store.ErrClassUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stepErr := Classify("some_step", tt.err)
			assert.Equal(t, tt.want, stepErr.Class)
			assert.ErrorIs(t, stepErr, tt.err)
		})
	}
}

func TestStepErrorMessage(t *testing.T) {
	stepErr := Classify(StepExchangeToken, Validationf("authorization code is required"))
	assert.Equal(t, store.ErrClassValidation, stepErr.Class)
	assert.Contains(t, stepErr.Error(), StepExchangeToken)
	assert.Contains(t, stepErr.Error(), "validation")
}
