package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/waba"
)

// Step names double as checkpoint keys; changing one orphans persisted
// checkpoints for in-flight tasks.
const (
	StepExchangeToken      = "exchange_token"
	StepResolveIdentity    = "resolve_identity"
	StepPersistCredentials = "persist_credentials"
	StepRegisterPhone      = "register_phone"
	StepSubscribeWebhooks  = "subscribe_webhooks"
)

// Steps builds the onboarding sequence in its fixed execution order.
func Steps(client waba.Client, repo store.Repository, registrar *registration.Registrar) []Step {
	return []Step{
		NewExchangeTokenStep(client),
		NewResolveIdentityStep(client),
		NewPersistCredentialsStep(repo),
		NewRegisterPhoneStep(client, registrar),
		NewSubscribeWebhooksStep(client),
	}
}

// --- ExchangeTokenStep ---

// ExchangeTokenStep trades the one-time authorization code for a business
// token. The exchange consumes the code on the platform side, so this is the
// saga's irreversible step: its result is checkpointed before anything else
// runs, and on resume the persisted token is restored instead of replaying
// the exchange (which would fail with "code already used").
type ExchangeTokenStep struct {
	client waba.Client
}

func NewExchangeTokenStep(client waba.Client) *ExchangeTokenStep {
	return &ExchangeTokenStep{client: client}
}

func (s *ExchangeTokenStep) Name() string       { return StepExchangeToken }
func (s *ExchangeTokenStep) Irreversible() bool { return true }

func (s *ExchangeTokenStep) Run(ctx context.Context, st *State) (json.RawMessage, error) {
	if st.Task.Inputs.Code == "" {
		return nil, Validationf("authorization code is required")
	}
	token, err := s.client.ExchangeCode(ctx, st.Task.Inputs.Code)
	if err != nil {
		return nil, err
	}
	st.Token = token
	return json.Marshal(token)
}

func (s *ExchangeTokenStep) Restore(checkpoint json.RawMessage, st *State) error {
	var token waba.Token
	if err := json.Unmarshal(checkpoint, &token); err != nil {
		return fmt.Errorf("restore %s checkpoint: %w", s.Name(), err)
	}
	st.Token = &token
	return nil
}

// --- ResolveIdentityStep ---

// ResolveIdentityStep discovers the tenant's business account and phone
// number behind the exchanged token. Pure read against the platform, safe to
// repeat on every attempt.
type ResolveIdentityStep struct {
	client waba.Client
}

func NewResolveIdentityStep(client waba.Client) *ResolveIdentityStep {
	return &ResolveIdentityStep{client: client}
}

func (s *ResolveIdentityStep) Name() string       { return StepResolveIdentity }
func (s *ResolveIdentityStep) Irreversible() bool { return false }

func (s *ResolveIdentityStep) Run(ctx context.Context, st *State) (json.RawMessage, error) {
	business, err := s.client.ResolveBusiness(ctx, st.Token.AccessToken, st.Task.Inputs.WabaIDHint, st.Task.Inputs.PhoneNumberIDHint)
	if err != nil {
		return nil, err
	}
	st.Business = business
	return nil, nil
}

func (s *ResolveIdentityStep) Restore(json.RawMessage, *State) error { return nil }

// --- PersistCredentialsStep ---

// PersistCredentialsStep stores the token and resolved identifiers locally.
// Upsert keyed by tenant, so reruns converge on the same row.
type PersistCredentialsStep struct {
	repo store.PhoneRepository
}

func NewPersistCredentialsStep(repo store.PhoneRepository) *PersistCredentialsStep {
	return &PersistCredentialsStep{repo: repo}
}

func (s *PersistCredentialsStep) Name() string       { return StepPersistCredentials }
func (s *PersistCredentialsStep) Irreversible() bool { return false }

func (s *PersistCredentialsStep) Run(ctx context.Context, st *State) (json.RawMessage, error) {
	err := s.repo.UpsertCredential(ctx, &store.ChannelCredential{
		TenantID:      st.Task.TenantID,
		WabaID:        st.Business.WabaID,
		PhoneNumberID: st.Business.PhoneNumberID,
		AccessToken:   st.Token.AccessToken,
	})
	return nil, err
}

func (s *PersistCredentialsStep) Restore(json.RawMessage, *State) error { return nil }

// --- RegisterPhoneStep ---

// RegisterPhoneStep runs the two-phase registration for the resolved phone
// number. All crash-safety lives in the registrar; the step just binds it to
// this saga's phone.
type RegisterPhoneStep struct {
	client    waba.Client
	registrar *registration.Registrar
}

func NewRegisterPhoneStep(client waba.Client, registrar *registration.Registrar) *RegisterPhoneStep {
	return &RegisterPhoneStep{client: client, registrar: registrar}
}

func (s *RegisterPhoneStep) Name() string       { return StepRegisterPhone }
func (s *RegisterPhoneStep) Irreversible() bool { return false }

func (s *RegisterPhoneStep) Run(ctx context.Context, st *State) (json.RawMessage, error) {
	anchor := &store.PhoneRegistration{
		PhoneNumberID: st.Business.PhoneNumberID,
		WabaID:        st.Business.WabaID,
		TenantID:      st.Task.TenantID,
		DisplayNumber: st.Business.DisplayNumber,
	}
	phone, err := s.registrar.Ensure(ctx, anchor, func(ctx context.Context) error {
		return s.client.RegisterPhone(ctx, st.Token.AccessToken, st.Business.PhoneNumberID)
	})
	if errors.Is(err, registration.ErrBlocked) {
		current, getErr := s.registrar.Current(ctx, st.Business.PhoneNumberID)
		if getErr == nil {
			return nil, &BlockedResourceError{PhoneNumberID: current.PhoneNumberID, Status: current.Status}
		}
		return nil, &BlockedResourceError{PhoneNumberID: st.Business.PhoneNumberID, Status: store.PhoneBlocked}
	}
	if err != nil {
		return nil, err
	}
	st.Phone = phone
	return nil, nil
}

func (s *RegisterPhoneStep) Restore(json.RawMessage, *State) error { return nil }

// --- SubscribeWebhooksStep ---

// SubscribeWebhooksStep subscribes the app to the WABA's webhook events.
// The platform treats a duplicate subscription as a no-op.
type SubscribeWebhooksStep struct {
	client waba.Client
}

func NewSubscribeWebhooksStep(client waba.Client) *SubscribeWebhooksStep {
	return &SubscribeWebhooksStep{client: client}
}

func (s *SubscribeWebhooksStep) Name() string       { return StepSubscribeWebhooks }
func (s *SubscribeWebhooksStep) Irreversible() bool { return false }

func (s *SubscribeWebhooksStep) Run(ctx context.Context, st *State) (json.RawMessage, error) {
	if err := s.client.SubscribeApp(ctx, st.Token.AccessToken, st.Business.WabaID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *SubscribeWebhooksStep) Restore(json.RawMessage, *State) error { return nil }
