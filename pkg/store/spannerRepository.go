package store

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) Enqueue(ctx context.Context, task *OnboardingTask) (*OnboardingTask, error) {
	inputs, err := json.Marshal(task.Inputs)
	if err != nil {
		return nil, err
	}

	var existing *OnboardingTask
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE idempotency_key = @key`,
			Params: map[string]interface{}{"key": task.IdempotencyKey},
		})
		defer iter.Stop()

		row, err := iter.Next()
		if err == nil {
			existing, err = scanSpannerTask(row)
			return err
		}
		if err != iterator.Done {
			return err
		}

		stmt := spanner.Statement{
			SQL: `INSERT INTO onboarding_tasks (id, idempotency_key, tenant_id, inputs, status, retry_count, checkpoints, created_at, updated_at)
                  VALUES (@id, @key, @tenant, @inputs, @status, 0, '{}', @now, @now)`,
			Params: map[string]interface{}{
				"id":     task.ID,
				"key":    task.IdempotencyKey,
				"tenant": task.TenantID,
				"inputs": string(inputs),
				"status": string(TaskPending),
				"now":    task.CreatedAt,
			},
		}
		_, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return task, nil
}

func (s *SpannerRepository) GetByID(ctx context.Context, id string) (*OnboardingTask, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
}

func (s *SpannerRepository) FindActiveByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE tenant_id = @tenant AND status IN ('pending', 'processing') ORDER BY created_at DESC LIMIT 1`,
		Params: map[string]interface{}{"tenant": tenantID},
	})
}

func (s *SpannerRepository) FindLastFailedByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE tenant_id = @tenant AND status = 'failed' ORDER BY finished_at DESC LIMIT 1`,
		Params: map[string]interface{}{"tenant": tenantID},
	})
}

func (s *SpannerRepository) FindPending(ctx context.Context, limit int) ([]OnboardingTask, error) {
	return s.findMany(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE status = 'pending' ORDER BY created_at ASC LIMIT @limit`,
		Params: map[string]interface{}{"limit": int64(limit)},
	})
}

func (s *SpannerRepository) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]OnboardingTask, error) {
	return s.findMany(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE status = 'processing' AND started_at < @olderThan ORDER BY started_at ASC LIMIT @limit`,
		Params: map[string]interface{}{"olderThan": olderThan, "limit": int64(limit)},
	})
}

func (s *SpannerRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]OnboardingTask, error) {
	return s.findMany(ctx, spanner.Statement{
		SQL:    `SELECT ` + taskColumns + ` FROM onboarding_tasks WHERE status = 'failed' AND retry_count < @maxRetries AND error_class IN ('transient', 'unknown') ORDER BY updated_at ASC LIMIT @limit`,
		Params: map[string]interface{}{"maxRetries": int64(maxRetries), "limit": int64(limit)},
	})
}

func (s *SpannerRepository) Claim(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE onboarding_tasks SET status = 'processing', started_at = @now, updated_at = @now WHERE id = @id AND status = 'pending'`,
		Params: map[string]interface{}{"id": id, "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) SaveCheckpoint(ctx context.Context, id, step string, result json.RawMessage) (bool, error) {
	var saved bool
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		saved = false
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT checkpoints FROM onboarding_tasks WHERE id = @id AND status = 'processing'`,
			Params: map[string]interface{}{"id": id},
		})
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			return nil // ownership lost
		}
		if err != nil {
			return err
		}

		var raw string
		if err := row.Columns(&raw); err != nil {
			return err
		}
		checkpoints := map[string]json.RawMessage{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &checkpoints); err != nil {
				return err
			}
		}
		checkpoints[step] = result
		merged, err := json.Marshal(checkpoints)
		if err != nil {
			return err
		}

		count, err := txn.Update(ctx, spanner.Statement{
			SQL:    `UPDATE onboarding_tasks SET checkpoints = @cp, updated_at = @now WHERE id = @id AND status = 'processing'`,
			Params: map[string]interface{}{"cp": string(merged), "now": time.Now().UTC(), "id": id},
		})
		if err != nil {
			return err
		}
		saved = count == 1
		return nil
	})
	return saved, err
}

func (s *SpannerRepository) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL: `UPDATE onboarding_tasks SET status = 'completed', result = @result, error_class = NULL, error_message = NULL, finished_at = @now, updated_at = @now
              WHERE id = @id AND status IN ('processing', 'failed')`,
		Params: map[string]interface{}{"id": id, "result": string(result), "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) Fail(ctx context.Context, id string, class ErrorClass, msg string) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL: `UPDATE onboarding_tasks SET status = 'failed', error_class = @class, error_message = @msg, retry_count = retry_count + 1, finished_at = @now, updated_at = @now
              WHERE id = @id AND status = 'processing'`,
		Params: map[string]interface{}{"id": id, "class": string(class), "msg": msg, "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) ResetStuck(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE onboarding_tasks SET status = 'pending', started_at = NULL, updated_at = @now WHERE id = @id AND status = 'processing'`,
		Params: map[string]interface{}{"id": id, "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) RetryClaim(ctx context.Context, id string, maxRetries int) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE onboarding_tasks SET status = 'pending', started_at = NULL, finished_at = NULL, updated_at = @now WHERE id = @id AND status = 'failed' AND retry_count < @maxRetries`,
		Params: map[string]interface{}{"id": id, "maxRetries": int64(maxRetries), "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) Cancel(ctx context.Context, id, requesterTenantID, reason string) (*OnboardingTask, bool, error) {
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if task.TenantID != requesterTenantID {
		return nil, false, ErrNotAuthorized
	}
	if task.Status == TaskCancelled {
		return task, true, nil
	}
	if task.Status == TaskCompleted {
		return nil, false, ErrNotCancellable
	}

	ok, err := s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE onboarding_tasks SET status = 'cancelled', cancel_reason = @reason, finished_at = @now, updated_at = @now WHERE id = @id AND status IN ('pending', 'processing', 'failed')`,
		Params: map[string]interface{}{"id": id, "reason": reason, "now": time.Now().UTC()},
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		task, err = s.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if task.Status == TaskCancelled {
			return task, true, nil
		}
		return nil, false, ErrNotCancellable
	}

	task, err = s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

func (s *SpannerRepository) GetPhone(ctx context.Context, phoneNumberID string) (*PhoneRegistration, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT phone_number_id, waba_id, tenant_id, display_number, status, created_at, updated_at FROM phone_registrations WHERE phone_number_id = @id`,
		Params: map[string]interface{}{"id": phoneNumberID},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var phone PhoneRegistration
	var status string
	if err := row.Columns(&phone.PhoneNumberID, &phone.WabaID, &phone.TenantID, &phone.DisplayNumber, &status, &phone.CreatedAt, &phone.UpdatedAt); err != nil {
		return nil, err
	}
	phone.Status = PhoneStatus(status)
	return &phone, nil
}

func (s *SpannerRepository) CreatePhonePending(ctx context.Context, phone *PhoneRegistration) (bool, error) {
	var created bool
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		created = false
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT phone_number_id FROM phone_registrations WHERE phone_number_id = @id`,
			Params: map[string]interface{}{"id": phone.PhoneNumberID},
		})
		defer iter.Stop()

		if _, err := iter.Next(); err != iterator.Done {
			return err // nil row error means the anchor already exists
		}

		_, err := txn.Update(ctx, spanner.Statement{
			SQL: `INSERT INTO phone_registrations (phone_number_id, waba_id, tenant_id, display_number, status, created_at, updated_at)
                  VALUES (@id, @waba, @tenant, @display, 'pending', @now, @now)`,
			Params: map[string]interface{}{
				"id":      phone.PhoneNumberID,
				"waba":    phone.WabaID,
				"tenant":  phone.TenantID,
				"display": phone.DisplayNumber,
				"now":     time.Now().UTC(),
			},
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *SpannerRepository) FinalizePhone(ctx context.Context, phoneNumberID string, expected, to PhoneStatus) (bool, error) {
	return s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE phone_registrations SET status = @to, updated_at = @now WHERE phone_number_id = @id AND status = @expected`,
		Params: map[string]interface{}{"id": phoneNumberID, "to": string(to), "expected": string(expected), "now": time.Now().UTC()},
	})
}

func (s *SpannerRepository) SetPhoneExternalStatus(ctx context.Context, phoneNumberID string, to PhoneStatus) error {
	ok, err := s.transition(ctx, spanner.Statement{
		SQL:    `UPDATE phone_registrations SET status = @to, updated_at = @now WHERE phone_number_id = @id`,
		Params: map[string]interface{}{"id": phoneNumberID, "to": string(to), "now": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *SpannerRepository) UpsertCredential(ctx context.Context, cred *ChannelCredential) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("channel_credentials",
			[]string{"tenant_id", "waba_id", "phone_number_id", "access_token", "updated_at"},
			[]interface{}{cred.TenantID, cred.WabaID, cred.PhoneNumberID, cred.AccessToken, time.Now().UTC()}),
	})
	return err
}

func (s *SpannerRepository) transition(ctx context.Context, stmt spanner.Statement) (bool, error) {
	var count int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		count, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func (s *SpannerRepository) findOne(ctx context.Context, stmt spanner.Statement) (*OnboardingTask, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSpannerTask(row)
}

func (s *SpannerRepository) findMany(ctx context.Context, stmt spanner.Statement) ([]OnboardingTask, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var tasks []OnboardingTask
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		task, err := scanSpannerTask(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func scanSpannerTask(row *spanner.Row) (*OnboardingTask, error) {
	var (
		task         OnboardingTask
		inputs       string
		status       string
		retryCount   int64
		checkpoints  spanner.NullString
		result       spanner.NullString
		errorClass   spanner.NullString
		errorMessage spanner.NullString
		cancelReason spanner.NullString
		startedAt    spanner.NullTime
		finishedAt   spanner.NullTime
	)

	err := row.Columns(
		&task.ID, &task.IdempotencyKey, &task.TenantID, &inputs, &status,
		&retryCount, &checkpoints, &result, &errorClass, &errorMessage,
		&cancelReason, &startedAt, &finishedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	task.RetryCount = int(retryCount)
	if inputs != "" {
		if err := json.Unmarshal([]byte(inputs), &task.Inputs); err != nil {
			return nil, err
		}
	}
	if checkpoints.Valid && checkpoints.StringVal != "" {
		if err := json.Unmarshal([]byte(checkpoints.StringVal), &task.Checkpoints); err != nil {
			return nil, err
		}
	}
	if result.Valid && result.StringVal != "" {
		task.Result = json.RawMessage(result.StringVal)
	}
	task.ErrorClass = ErrorClass(errorClass.StringVal)
	task.ErrorMessage = errorMessage.StringVal
	task.CancelReason = cancelReason.StringVal
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return &task, nil
}
