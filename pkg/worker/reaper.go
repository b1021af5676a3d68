package worker

import (
	"context"
	"log"
	"time"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

// Reaper periodically rescues tasks whose worker died mid-flight and
// requeues retryable failures. Both sweeps use conditional transitions, so
// concurrent reapers never double-reset a task.
type Reaper struct {
	repo       store.TaskRepository
	staleAfter time.Duration
	interval   time.Duration
	maxRetries int
	batchSize  int
}

func NewReaper(repo store.TaskRepository, cfg *config.Settings) *Reaper {
	return &Reaper{
		repo:       repo,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.ReapInterval,
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}

		r.SweepStuck(ctx)
		r.SweepRetryable(ctx)
	}
}

// SweepStuck resets processing tasks whose started_at is older than the
// staleness threshold. The threshold must exceed the worst-case saga
// duration, otherwise a live worker gets its task stolen.
func (r *Reaper) SweepStuck(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-r.staleAfter)
	tasks, err := r.repo.FindStuck(ctx, olderThan, r.batchSize)
	if err != nil {
		log.Printf("Failed to fetch stuck tasks: %v", err)
		return
	}

	for _, task := range tasks {
		reset, err := r.repo.ResetStuck(ctx, task.ID)
		if err != nil {
			log.Printf("Failed to reset stuck task %s: %v", task.ID, err)
			continue
		}
		if reset {
			log.Printf("Task %s: reset after %s in processing, eligible for re-claim", task.ID, r.staleAfter)
		}
	}
}

// SweepRetryable requeues failed tasks that are still within the retry
// budget. Eligibility is per error class: consumed-credential and validation
// failures are never requeued, whatever their count.
func (r *Reaper) SweepRetryable(ctx context.Context) {
	tasks, err := r.repo.FindRetryable(ctx, r.maxRetries, r.batchSize)
	if err != nil {
		log.Printf("Failed to fetch retryable tasks: %v", err)
		return
	}

	for _, task := range tasks {
		requeued, err := r.repo.RetryClaim(ctx, task.ID, r.maxRetries)
		if err != nil {
			log.Printf("Failed to requeue task %s: %v", task.ID, err)
			continue
		}
		if requeued {
			log.Printf("Task %s: requeued for retry %d/%d", task.ID, task.RetryCount+1, r.maxRetries)
		}
	}
}
