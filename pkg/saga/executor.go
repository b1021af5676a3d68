package saga

import (
	"context"
	"encoding/json"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// Result is the opaque success payload recorded on a completed task.
type Result struct {
	WabaID        string            `json:"waba_id"`
	PhoneNumberID string            `json:"phone_number_id"`
	DisplayNumber string            `json:"display_number,omitempty"`
	PhoneStatus   store.PhoneStatus `json:"phone_status"`
}

// Executor runs the onboarding saga for one claimed task at a time.
//
// It never reports outcomes to the enqueuing caller: success and failure are
// written to the task store and observed by polling. A failed conditional
// write means the task was cancelled, reset, or finished by someone else;
// the executor then discards its in-flight work without persisting anything.
type Executor struct {
	repo   store.Repository
	steps  []Step
	tracer trace.Tracer
}

func NewExecutor(repo store.Repository, steps []Step) *Executor {
	return &Executor{
		repo:   repo,
		steps:  steps,
		tracer: otel.Tracer("waba-onboarding"),
	}
}

// Run claims the task and drives it to a terminal write. Returns only
// infrastructure errors (store unreachable); saga-level outcomes, including
// ownership loss, are absorbed here.
func (e *Executor) Run(ctx context.Context, taskID string) error {
	claimed, err := e.repo.Claim(ctx, taskID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker won the claim race; nothing to do.
		return nil
	}

	// Reload after the claim so the checkpoints reflect every prior attempt.
	task, err := e.repo.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "RunOnboardingSaga", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.tenant_id", task.TenantID),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	st := &State{Task: task}

	for _, step := range e.steps {
		if step.Irreversible() {
			if checkpoint, ok := task.Checkpoints[step.Name()]; ok {
				if err := step.Restore(checkpoint, st); err != nil {
					e.fail(ctx, task.ID, Classify(step.Name(), err))
					return nil
				}
				log.Printf("Task %s: step %s restored from checkpoint", task.ID, step.Name())
				continue
			}
		}

		checkpoint, err := e.runStep(ctx, step, st)
		if err != nil {
			stepErr := Classify(step.Name(), err)
			span.SetStatus(codes.Error, stepErr.Error())
			e.fail(ctx, task.ID, stepErr)
			return nil
		}

		if step.Irreversible() {
			// Durability checkpoint: the step's result must survive a crash
			// before the saga is allowed to move on. The conditional write
			// doubles as an ownership re-validation.
			saved, err := e.repo.SaveCheckpoint(ctx, task.ID, step.Name(), checkpoint)
			if err != nil {
				return err
			}
			if !saved {
				log.Printf("Task %s: ownership lost at checkpoint %s, discarding attempt", task.ID, step.Name())
				return nil
			}
		}
	}

	result, err := json.Marshal(Result{
		WabaID:        st.Business.WabaID,
		PhoneNumberID: st.Business.PhoneNumberID,
		DisplayNumber: st.Business.DisplayNumber,
		PhoneStatus:   st.Phone.Status,
	})
	if err != nil {
		return err
	}

	completed, err := e.repo.Complete(ctx, task.ID, result)
	if err != nil {
		return err
	}
	if !completed {
		log.Printf("Task %s: ownership lost before completion, discarding result", task.ID)
		return nil
	}
	log.Printf("Task %s: onboarding completed for tenant %s", task.ID, task.TenantID)
	return nil
}

func (e *Executor) runStep(ctx context.Context, step Step, st *State) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "SagaStep."+step.Name(), trace.WithAttributes(
		attribute.Bool("step.irreversible", step.Irreversible()),
	))
	defer span.End()

	checkpoint, err := step.Run(ctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return checkpoint, nil
}

func (e *Executor) fail(ctx context.Context, taskID string, stepErr *StepError) {
	failed, err := e.repo.Fail(ctx, taskID, stepErr.Class, stepErr.Error())
	if err != nil {
		log.Printf("Task %s: failed to record failure: %v", taskID, err)
		return
	}
	if !failed {
		// The task is no longer processing (cancelled or reset); a stale
		// failure must not clobber whatever state it is in now.
		log.Printf("Task %s: ownership lost, dropping failure: %v", taskID, stepErr)
		return
	}
	log.Printf("Task %s: %v", taskID, stepErr)
}
