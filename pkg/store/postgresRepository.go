package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ApplySchema creates the tables and indexes if they do not exist yet.
func (r *PostgresRepository) ApplySchema() error {
	return ApplySchema(r.db)
}

const taskColumns = `id, idempotency_key, tenant_id, inputs, status, retry_count, checkpoints, result, error_class, error_message, cancel_reason, started_at, finished_at, created_at, updated_at`

func (p *PostgresRepository) Enqueue(ctx context.Context, task *OnboardingTask) (*OnboardingTask, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Enqueue")
	defer span.End()

	inputs, err := json.Marshal(task.Inputs)
	if err != nil {
		return nil, err
	}

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO onboarding_tasks (id, idempotency_key, tenant_id, inputs, status, retry_count, checkpoints, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, 0, '{}'::jsonb, $6, $6)
         ON CONFLICT (idempotency_key) DO NOTHING`,
		task.ID, task.IdempotencyKey, task.TenantID, inputs, TaskPending, task.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return task, nil
	}

	// A task for this idempotency key already exists; the retried client
	// request gets the original row back.
	return p.findOne(ctx, `SELECT `+taskColumns+` FROM onboarding_tasks WHERE idempotency_key = $1`, task.IdempotencyKey)
}

func (p *PostgresRepository) GetByID(ctx context.Context, id string) (*OnboardingTask, error) {
	return p.findOne(ctx, `SELECT `+taskColumns+` FROM onboarding_tasks WHERE id = $1`, id)
}

func (p *PostgresRepository) FindActiveByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	return p.findOne(ctx,
		`SELECT `+taskColumns+` FROM onboarding_tasks WHERE tenant_id = $1 AND status IN ('pending', 'processing') ORDER BY created_at DESC LIMIT 1`,
		tenantID)
}

func (p *PostgresRepository) FindLastFailedByTenant(ctx context.Context, tenantID string) (*OnboardingTask, error) {
	return p.findOne(ctx,
		`SELECT `+taskColumns+` FROM onboarding_tasks WHERE tenant_id = $1 AND status = 'failed' ORDER BY finished_at DESC LIMIT 1`,
		tenantID)
}

func (p *PostgresRepository) FindPending(ctx context.Context, limit int) ([]OnboardingTask, error) {
	return p.findMany(ctx,
		`SELECT `+taskColumns+` FROM onboarding_tasks WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
		limit)
}

func (p *PostgresRepository) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]OnboardingTask, error) {
	return p.findMany(ctx,
		`SELECT `+taskColumns+` FROM onboarding_tasks WHERE status = 'processing' AND started_at < $1 ORDER BY started_at ASC LIMIT $2`,
		olderThan, limit)
}

func (p *PostgresRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]OnboardingTask, error) {
	return p.findMany(ctx,
		`SELECT `+taskColumns+` FROM onboarding_tasks WHERE status = 'failed' AND retry_count < $1 AND error_class IN ('transient', 'unknown') ORDER BY updated_at ASC LIMIT $2`,
		maxRetries, limit)
}

func (p *PostgresRepository) Claim(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, "Claim",
		`UPDATE onboarding_tasks SET status = 'processing', started_at = $1, updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id)
}

func (p *PostgresRepository) SaveCheckpoint(ctx context.Context, id, step string, result json.RawMessage) (bool, error) {
	return p.transition(ctx, "SaveCheckpoint",
		`UPDATE onboarding_tasks SET checkpoints = jsonb_set(COALESCE(checkpoints, '{}'::jsonb), $1, $2::jsonb, true), updated_at = $3 WHERE id = $4 AND status = 'processing'`,
		pq.Array([]string{step}), []byte(result), time.Now().UTC(), id)
}

func (p *PostgresRepository) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	return p.transition(ctx, "Complete",
		`UPDATE onboarding_tasks SET status = 'completed', result = $1, error_class = NULL, error_message = NULL, finished_at = $2, updated_at = $2 WHERE id = $3 AND status IN ('processing', 'failed')`,
		[]byte(result), time.Now().UTC(), id)
}

func (p *PostgresRepository) Fail(ctx context.Context, id string, class ErrorClass, msg string) (bool, error) {
	return p.transition(ctx, "Fail",
		`UPDATE onboarding_tasks SET status = 'failed', error_class = $1, error_message = $2, retry_count = retry_count + 1, finished_at = $3, updated_at = $3 WHERE id = $4 AND status = 'processing'`,
		class, msg, time.Now().UTC(), id)
}

func (p *PostgresRepository) ResetStuck(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, "ResetStuck",
		`UPDATE onboarding_tasks SET status = 'pending', started_at = NULL, updated_at = $1 WHERE id = $2 AND status = 'processing'`,
		time.Now().UTC(), id)
}

func (p *PostgresRepository) RetryClaim(ctx context.Context, id string, maxRetries int) (bool, error) {
	return p.transition(ctx, "RetryClaim",
		`UPDATE onboarding_tasks SET status = 'pending', started_at = NULL, finished_at = NULL, updated_at = $1 WHERE id = $2 AND status = 'failed' AND retry_count < $3`,
		time.Now().UTC(), id, maxRetries)
}

func (p *PostgresRepository) Cancel(ctx context.Context, id, requesterTenantID, reason string) (*OnboardingTask, bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Cancel")
	defer span.End()

	task, err := p.GetByID(ctx, id)
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

	ok, err := p.transition(ctx, "Cancel",
		`UPDATE onboarding_tasks SET status = 'cancelled', cancel_reason = $1, finished_at = $2, updated_at = $2 WHERE id = $3 AND status IN ('pending', 'processing', 'failed')`,
		reason, time.Now().UTC(), id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Lost a race against another cancel or a completing worker; re-read
		// and report what actually happened.
		task, err = p.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if task.Status == TaskCancelled {
			return task, true, nil
		}
		return nil, false, ErrNotCancellable
	}

	task, err = p.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

func (p *PostgresRepository) GetPhone(ctx context.Context, phoneNumberID string) (*PhoneRegistration, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT phone_number_id, waba_id, tenant_id, display_number, status, created_at, updated_at FROM phone_registrations WHERE phone_number_id = $1`,
		phoneNumberID)

	var phone PhoneRegistration
	err := row.Scan(&phone.PhoneNumberID, &phone.WabaID, &phone.TenantID, &phone.DisplayNumber, &phone.Status, &phone.CreatedAt, &phone.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &phone, nil
}

func (p *PostgresRepository) CreatePhonePending(ctx context.Context, phone *PhoneRegistration) (bool, error) {
	return p.transition(ctx, "CreatePhonePending",
		`INSERT INTO phone_registrations (phone_number_id, waba_id, tenant_id, display_number, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, 'pending', $5, $5)
         ON CONFLICT (phone_number_id) DO NOTHING`,
		phone.PhoneNumberID, phone.WabaID, phone.TenantID, phone.DisplayNumber, time.Now().UTC())
}

func (p *PostgresRepository) FinalizePhone(ctx context.Context, phoneNumberID string, expected, to PhoneStatus) (bool, error) {
	return p.transition(ctx, "FinalizePhone",
		`UPDATE phone_registrations SET status = $1, updated_at = $2 WHERE phone_number_id = $3 AND status = $4`,
		to, time.Now().UTC(), phoneNumberID, expected)
}

func (p *PostgresRepository) SetPhoneExternalStatus(ctx context.Context, phoneNumberID string, to PhoneStatus) error {
	ok, err := p.transition(ctx, "SetPhoneExternalStatus",
		`UPDATE phone_registrations SET status = $1, updated_at = $2 WHERE phone_number_id = $3`,
		to, time.Now().UTC(), phoneNumberID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) UpsertCredential(ctx context.Context, cred *ChannelCredential) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO channel_credentials (tenant_id, waba_id, phone_number_id, access_token, updated_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (tenant_id) DO UPDATE SET waba_id = EXCLUDED.waba_id, phone_number_id = EXCLUDED.phone_number_id, access_token = EXCLUDED.access_token, updated_at = EXCLUDED.updated_at`,
		cred.TenantID, cred.WabaID, cred.PhoneNumberID, cred.AccessToken, time.Now().UTC())
	return err
}

// transition executes one conditional statement and maps rows-affected to the
// ownership bool. No transaction is opened: each transition is a single
// statement, so no lock is ever held across an external call.
func (p *PostgresRepository) transition(ctx context.Context, name, query string, args ...any) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	defer span.End()

	start := time.Now()
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	addDBStatsToSpan(span, name, affected, time.Since(start))
	return affected == 1, nil
}

func (p *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*OnboardingTask, error) {
	row := p.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (p *PostgresRepository) findMany(ctx context.Context, query string, args ...any) ([]OnboardingTask, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []OnboardingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*OnboardingTask, error) {
	var (
		task         OnboardingTask
		inputs       []byte
		checkpoints  []byte
		result       []byte
		errorClass   sql.NullString
		errorMessage sql.NullString
		cancelReason sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)

	err := row.Scan(
		&task.ID, &task.IdempotencyKey, &task.TenantID, &inputs, &task.Status,
		&task.RetryCount, &checkpoints, &result, &errorClass, &errorMessage,
		&cancelReason, &startedAt, &finishedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &task.Inputs); err != nil {
			return nil, fmt.Errorf("decode task inputs: %w", err)
		}
	}
	if len(checkpoints) > 0 {
		if err := json.Unmarshal(checkpoints, &task.Checkpoints); err != nil {
			return nil, fmt.Errorf("decode task checkpoints: %w", err)
		}
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	task.ErrorClass = ErrorClass(errorClass.String)
	task.ErrorMessage = errorMessage.String
	task.CancelReason = cancelReason.String
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
