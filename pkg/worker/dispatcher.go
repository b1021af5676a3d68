// Package worker contains the polling loops that move onboarding tasks
// through the store: the dispatcher claims and executes pending tasks, the
// reaper rescues tasks abandoned by crashed workers, and the retry sweep
// requeues retryable failures.
//
// Any number of instances may run concurrently against the same store; all
// coordination happens through the store's conditional updates.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// Dispatcher polls for pending tasks and hands them to the saga executor.
// The executor's claim decides ownership, so racing dispatchers are safe.
type Dispatcher struct {
	repo         store.TaskRepository
	executor     *saga.Executor
	pollInterval time.Duration
	batchSize    int
}

func NewDispatcher(repo store.TaskRepository, executor *saga.Executor, cfg *config.Settings) *Dispatcher {
	return &Dispatcher{
		repo:         repo,
		executor:     executor,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.dispatchOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	tasks, err := d.repo.FindPending(ctx, d.batchSize)
	if err != nil {
		log.Printf("Failed to fetch pending tasks: %v", err)
		return
	}

	for _, task := range tasks {
		if err := d.executor.Run(ctx, task.ID); err != nil {
			log.Printf("Failed to execute task %s: %v", task.ID, err)
		}
	}
}
