package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

func anchor() *store.PhoneRegistration {
	return &store.PhoneRegistration{PhoneNumberID: "phone-1", WabaID: "waba-1", TenantID: "tenant-1"}
}

func TestEnsureFreshPhone(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	calls := 0
	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, store.PhoneActive, phone.Status)
}

func TestEnsureAlreadyActive(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	_, err := registrar.Ensure(ctx, anchor(), func(context.Context) error { return nil })
	require.NoError(t, err)

	// Second attempt must not touch the platform at all.
	calls := 0
	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, store.PhoneActive, phone.Status)
}

func TestEnsureCallFails(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	callErr := errors.New("platform said no")
	_, err := registrar.Ensure(ctx, anchor(), func(context.Context) error { return callErr })
	assert.ErrorIs(t, err, callErr)

	// The anchor records the failure for the next attempt to retry from.
	phone, err := repo.GetPhone(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, store.PhoneRegistrationFailed, phone.Status)
}

func TestEnsureRetriesFromFailed(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	_, err := registrar.Ensure(ctx, anchor(), func(context.Context) error { return errors.New("transient") })
	require.Error(t, err)

	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, store.PhoneActive, phone.Status)
}

func TestEnsureResumesFromPendingAnchor(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	// A previous worker committed the anchor and then crashed before the
	// external call. Resume picks up from pending.
	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)

	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, store.PhoneActive, phone.Status)
}

func TestEnsureBlockedPhone(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, repo.SetPhoneExternalStatus(ctx, "phone-1", store.PhoneBlocked))

	calls := 0
	_, err = registrar.Ensure(ctx, anchor(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 0, calls)
}

func TestEnsureAdoptsWinnerOnLostFinalize(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)

	// While our external call is in flight, a concurrent attempt finalizes
	// the phone to active. Our conditional finalize must lose and adopt it.
	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error {
		ok, err := repo.FinalizePhone(ctx, "phone-1", store.PhonePending, store.PhoneActive)
		require.NoError(t, err)
		require.True(t, ok)
		return errors.New("our call timed out")
	})
	require.NoError(t, err)
	assert.Equal(t, store.PhoneActive, phone.Status)
}

func TestEnsureBlockedDuringCall(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)

	// The platform blocks the phone while our successful call is in flight:
	// commit B loses, and the block must stand over the registration.
	_, err = registrar.Ensure(ctx, anchor(), func(context.Context) error {
		require.NoError(t, repo.SetPhoneExternalStatus(ctx, "phone-1", store.PhoneBlocked))
		return nil
	})
	assert.ErrorIs(t, err, ErrBlocked)

	phone, err := repo.GetPhone(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, store.PhoneBlocked, phone.Status)
}

func TestEnsureBlockedAfterFailedFinalize(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)

	// A concurrent failed attempt finalizes first and a block lands on top
	// of it while our call is still out. The block must also beat our own
	// failed call, never surfacing as a retryable registration failure.
	_, err = registrar.Ensure(ctx, anchor(), func(context.Context) error {
		ok, err := repo.FinalizePhone(ctx, "phone-1", store.PhonePending, store.PhoneRegistrationFailed)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.SetPhoneExternalStatus(ctx, "phone-1", store.PhoneBlocked))
		return errors.New("our call timed out")
	})
	assert.ErrorIs(t, err, ErrBlocked)

	phone, err := repo.GetPhone(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, store.PhoneBlocked, phone.Status)
}

func TestEnsurePromotesOverStaleFailure(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	registrar := NewRegistrar(repo)

	created, err := repo.CreatePhonePending(ctx, anchor())
	require.NoError(t, err)
	require.True(t, created)

	// A concurrent failed attempt finalizes first; our successful call must
	// still win by promoting from the failure state it observes afterwards.
	phone, err := registrar.Ensure(ctx, anchor(), func(context.Context) error {
		ok, err := repo.FinalizePhone(ctx, "phone-1", store.PhonePending, store.PhoneRegistrationFailed)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.PhoneActive, phone.Status)
}
