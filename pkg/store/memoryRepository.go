package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It exists for
// local development and tests; every transition holds the lock for the whole
// compare-and-set so it provides the same linearizability guarantees as the
// SQL backends.
type MemoryRepository struct {
	mu     sync.Mutex
	tasks  map[string]*OnboardingTask
	byKey  map[string]string // idempotency_key -> task id
	phones map[string]*PhoneRegistration
	creds  map[string]*ChannelCredential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:  map[string]*OnboardingTask{},
		byKey:  map[string]string{},
		phones: map[string]*PhoneRegistration{},
		creds:  map[string]*ChannelCredential{},
	}
}

func (m *MemoryRepository) Enqueue(_ context.Context, task *OnboardingTask) (*OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byKey[task.IdempotencyKey]; ok {
		return copyTask(m.tasks[existingID]), nil
	}
	stored := copyTask(task)
	m.tasks[stored.ID] = stored
	m.byKey[stored.IdempotencyKey] = stored.ID
	return copyTask(stored), nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

func (m *MemoryRepository) FindActiveByTenant(_ context.Context, tenantID string) (*OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *OnboardingTask
	for _, t := range m.tasks {
		if t.TenantID != tenantID || (t.Status != TaskPending && t.Status != TaskProcessing) {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyTask(latest), nil
}

func (m *MemoryRepository) FindLastFailedByTenant(_ context.Context, tenantID string) (*OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *OnboardingTask
	for _, t := range m.tasks {
		if t.TenantID != tenantID || t.Status != TaskFailed {
			continue
		}
		if latest == nil || (t.FinishedAt != nil && latest.FinishedAt != nil && t.FinishedAt.After(*latest.FinishedAt)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyTask(latest), nil
}

func (m *MemoryRepository) FindPending(_ context.Context, limit int) ([]OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(limit, func(t *OnboardingTask) bool { return t.Status == TaskPending }), nil
}

func (m *MemoryRepository) FindStuck(_ context.Context, olderThan time.Time, limit int) ([]OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(limit, func(t *OnboardingTask) bool {
		return t.Status == TaskProcessing && t.StartedAt != nil && t.StartedAt.Before(olderThan)
	}), nil
}

func (m *MemoryRepository) FindRetryable(_ context.Context, maxRetries, limit int) ([]OnboardingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(limit, func(t *OnboardingTask) bool {
		return t.Status == TaskFailed && t.RetryCount < maxRetries && t.ErrorClass.Retryable()
	}), nil
}

func (m *MemoryRepository) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != TaskPending {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = TaskProcessing
	task.StartedAt = &now
	task.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) SaveCheckpoint(_ context.Context, id, step string, result json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != TaskProcessing {
		return false, nil
	}
	if task.Checkpoints == nil {
		task.Checkpoints = map[string]json.RawMessage{}
	}
	task.Checkpoints[step] = append(json.RawMessage(nil), result...)
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepository) Complete(_ context.Context, id string, result json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || (task.Status != TaskProcessing && task.Status != TaskFailed) {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = TaskCompleted
	task.Result = append(json.RawMessage(nil), result...)
	task.ErrorClass = ""
	task.ErrorMessage = ""
	task.FinishedAt = &now
	task.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) Fail(_ context.Context, id string, class ErrorClass, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != TaskProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = TaskFailed
	task.ErrorClass = class
	task.ErrorMessage = msg
	task.RetryCount++
	task.FinishedAt = &now
	task.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) ResetStuck(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != TaskProcessing {
		return false, nil
	}
	task.Status = TaskPending
	task.StartedAt = nil
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepository) RetryClaim(_ context.Context, id string, maxRetries int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != TaskFailed || task.RetryCount >= maxRetries {
		return false, nil
	}
	task.Status = TaskPending
	task.StartedAt = nil
	task.FinishedAt = nil
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepository) Cancel(_ context.Context, id, requesterTenantID, reason string) (*OnboardingTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if task.TenantID != requesterTenantID {
		return nil, false, ErrNotAuthorized
	}
	if task.Status == TaskCancelled {
		return copyTask(task), true, nil
	}
	if task.Status == TaskCompleted {
		return nil, false, ErrNotCancellable
	}
	now := time.Now().UTC()
	task.Status = TaskCancelled
	task.CancelReason = reason
	task.FinishedAt = &now
	task.UpdatedAt = now
	return copyTask(task), false, nil
}

func (m *MemoryRepository) GetPhone(_ context.Context, phoneNumberID string) (*PhoneRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	phone, ok := m.phones[phoneNumberID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *phone
	return &cp, nil
}

func (m *MemoryRepository) CreatePhonePending(_ context.Context, phone *PhoneRegistration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.phones[phone.PhoneNumberID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	cp := *phone
	cp.Status = PhonePending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.phones[cp.PhoneNumberID] = &cp
	return true, nil
}

func (m *MemoryRepository) FinalizePhone(_ context.Context, phoneNumberID string, expected, to PhoneStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	phone, ok := m.phones[phoneNumberID]
	if !ok || phone.Status != expected {
		return false, nil
	}
	phone.Status = to
	phone.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepository) SetPhoneExternalStatus(_ context.Context, phoneNumberID string, to PhoneStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	phone, ok := m.phones[phoneNumberID]
	if !ok {
		return ErrNotFound
	}
	phone.Status = to
	phone.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) UpsertCredential(_ context.Context, cred *ChannelCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cred
	cp.UpdatedAt = time.Now().UTC()
	m.creds[cp.TenantID] = &cp
	return nil
}

// GetCredential is a read helper for tests and the dev mode; the SQL
// backends expose credentials only through the onboarding result payload.
func (m *MemoryRepository) GetCredential(_ context.Context, tenantID string) (*ChannelCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

// collect returns matching tasks ordered by creation time, oldest first.
// Caller must hold m.mu.
func (m *MemoryRepository) collect(limit int, match func(*OnboardingTask) bool) []OnboardingTask {
	var tasks []OnboardingTask
	for _, t := range m.tasks {
		if match(t) {
			tasks = append(tasks, *copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

func copyTask(t *OnboardingTask) *OnboardingTask {
	cp := *t
	if t.Checkpoints != nil {
		cp.Checkpoints = make(map[string]json.RawMessage, len(t.Checkpoints))
		for k, v := range t.Checkpoints {
			cp.Checkpoints[k] = append(json.RawMessage(nil), v...)
		}
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	return &cp
}
