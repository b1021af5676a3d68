package saga

import (
	"context"
	"encoding/json"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/waba"
)

// State accumulates what earlier steps produced for later steps to use. It
// lives only for one execution attempt; anything that must survive a crash
// goes through a checkpoint instead.
type State struct {
	Task     *store.OnboardingTask
	Token    *waba.Token
	Business *waba.BusinessAccount
	Phone    *store.PhoneRegistration
}

// Step is a single unit of work in the onboarding saga. Steps run strictly
// in order and must be idempotent or resumable.
//
// An irreversible step consumes a resource the platform will not hand out
// twice (the one-time authorization code). Its successful result is durably
// checkpointed before the next step may run; on resume the executor calls
// Restore with the persisted checkpoint instead of re-invoking Run.
type Step interface {
	Name() string
	Irreversible() bool
	Run(ctx context.Context, st *State) (checkpoint json.RawMessage, err error)
	Restore(checkpoint json.RawMessage, st *State) error
}
