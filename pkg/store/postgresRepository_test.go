package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

var taskTestColumns = []string{
	"id", "idempotency_key", "tenant_id", "inputs", "status", "retry_count",
	"checkpoints", "result", "error_class", "error_message", "cancel_reason",
	"started_at", "finished_at", "created_at", "updated_at",
}

func taskRow(id, tenantID string, status TaskStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(taskTestColumns).
		AddRow(id, "key-"+id, tenantID, []byte(`{"code":"auth-code"}`), status, 0,
			[]byte(`{}`), nil, nil, nil, nil, nil, nil, now, now)
}

func TestClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'processing', started_at = \$1, updated_at = \$1 WHERE id = \$2 AND status = 'pending'`).
		WithArgs(sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Claim(context.Background(), "task-1")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAlreadyTaken(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	// A concurrent worker already moved the task out of pending: zero rows
	// affected means the claim is denied, never an error.
	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'processing'`).
		WithArgs(sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), "task-1")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	task := NewTask("tenant-1", "key-1", TaskInputs{Code: "auth-code"})

	mock.ExpectExec(`INSERT INTO onboarding_tasks`).
		WithArgs(task.ID, "key-1", "tenant-1", sqlmock.AnyArg(), TaskPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := repo.Enqueue(context.Background(), task)
	assert.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	task := NewTask("tenant-1", "key-1", TaskInputs{Code: "auth-code"})

	// The conflict swallows the insert; the original row comes back instead
	// of a duplicate.
	mock.ExpectExec(`INSERT INTO onboarding_tasks`).
		WithArgs(task.ID, "key-1", "tenant-1", sqlmock.AnyArg(), TaskPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(taskRow("original-task", "tenant-1", TaskProcessing))

	got, err := repo.Enqueue(context.Background(), task)
	assert.NoError(t, err)
	assert.Equal(t, "original-task", got.ID)
	assert.Equal(t, TaskProcessing, got.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCheckpointOwnershipLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	// The processing guard doubles as ownership re-validation: a reaped task
	// no longer accepts checkpoints from its old worker.
	mock.ExpectExec(`UPDATE onboarding_tasks SET checkpoints = jsonb_set`).
		WithArgs(sqlmock.AnyArg(), []byte(`{"token":"t"}`), sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.SaveCheckpoint(context.Background(), "task-1", "exchange_token", json.RawMessage(`{"token":"t"}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'failed', error_class = \$1, error_message = \$2, retry_count = retry_count \+ 1`).
		WithArgs(ErrClassTransient, "rate limited", sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Fail(context.Background(), "task-1", ErrClassTransient, "rate limited")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStuck(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'pending', started_at = NULL`).
		WithArgs(sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ResetStuck(context.Background(), "task-1")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryClaimExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'pending', started_at = NULL, finished_at = NULL`).
		WithArgs(sqlmock.AnyArg(), "task-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.RetryClaim(context.Background(), "task-1", 3)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", "tenant-1", TaskPending))
	mock.ExpectExec(`UPDATE onboarding_tasks SET status = 'cancelled'`).
		WithArgs("changed my mind", sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", "tenant-1", TaskCancelled))

	task, already, err := repo.Cancel(context.Background(), "task-1", "tenant-1", "changed my mind")
	assert.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, TaskCancelled, task.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", "tenant-1", TaskCancelled))

	task, already, err := repo.Cancel(context.Background(), "task-1", "tenant-1", "again")
	assert.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, TaskCancelled, task.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWrongTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", "tenant-1", TaskPending))

	_, _, err = repo.Cancel(context.Background(), "task-1", "tenant-2", "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", "tenant-1", TaskCompleted))

	_, _, err = repo.Cancel(context.Background(), "task-1", "tenant-1", "")
	assert.ErrorIs(t, err, ErrNotCancellable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRetryableExcludesNonRetryableClasses(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectQuery(`SELECT .* FROM onboarding_tasks WHERE status = 'failed' AND retry_count < \$1 AND error_class IN \('transient', 'unknown'\)`).
		WithArgs(3, 10).
		WillReturnRows(taskRow("task-1", "tenant-1", TaskFailed))

	tasks, err := repo.FindRetryable(context.Background(), 3, 10)
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizePhoneGuard(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	// Another worker finalized first: the observed-status guard rejects the
	// second finalize.
	mock.ExpectExec(`UPDATE phone_registrations SET status = \$1`).
		WithArgs(PhoneActive, sqlmock.AnyArg(), "phone-1", PhonePending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.FinalizePhone(context.Background(), "phone-1", PhonePending, PhoneActive)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPhoneExternalStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE phone_registrations SET status = \$1`).
		WithArgs(PhoneBlocked, sqlmock.AnyArg(), "phone-unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.SetPhoneExternalStatus(context.Background(), "phone-unknown", PhoneBlocked)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
