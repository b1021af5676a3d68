package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
)

func newTestServer(repo store.TaskRepository) *httptest.Server {
	handler := NewHandler(repo, 3, 5*time.Minute)
	return httptest.NewServer(NewRouter(handler))
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEnqueueEndpoint(t *testing.T) {
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	resp := postJSON(t, server.URL+"/onboarding",
		`{"tenant_id":"tenant-1","idempotency_key":"key-1","code":"auth-code"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[EnqueueResponse](t, resp)
	assert.NotEmpty(t, body.TaskID)
	assert.Equal(t, "pending", body.Status)

	// Same idempotency key returns the same task.
	resp = postJSON(t, server.URL+"/onboarding",
		`{"tenant_id":"tenant-1","idempotency_key":"key-1","code":"auth-code"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	again := decode[EnqueueResponse](t, resp)
	assert.Equal(t, body.TaskID, again.TaskID)
}

func TestEnqueueValidation(t *testing.T) {
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	resp := postJSON(t, server.URL+"/onboarding", `{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "invalid_request", body.Error)
}

func TestGetTaskNotFound(t *testing.T) {
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	resp, err := http.Get(server.URL + "/onboarding/tasks/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetTaskFailedIncludesAction(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)
	ok, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Fail(ctx, task.ID, store.ErrClassConsumed, "code already used")
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := http.Get(server.URL + "/onboarding/tasks/" + task.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[TaskResponse](t, resp)
	assert.Equal(t, "failed", body.Status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "consumed", body.Error.Class)
	assert.Equal(t, ActionRestartFlow, body.Error.ActionRequired)
}

func TestGetTaskTransientFailureSuggestsRetry(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)
	ok, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Fail(ctx, task.ID, store.ErrClassTransient, "rate limited")
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := http.Get(server.URL + "/onboarding/tasks/" + task.ID)
	require.NoError(t, err)
	body := decode[TaskResponse](t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, ActionAutomaticRetry, body.Error.ActionRequired)
}

func TestGetTaskProcessingReportsStale(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	// Zero staleness threshold: any processing task polls as stale.
	handler := NewHandler(repo, 3, 0)
	server := httptest.NewServer(NewRouter(handler))
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)
	ok, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := http.Get(server.URL + "/onboarding/tasks/" + task.ID)
	require.NoError(t, err)
	body := decode[TaskResponse](t, resp)
	assert.Equal(t, "processing", body.Status)
	require.NotNil(t, body.Stale)
	assert.True(t, *body.Stale)
}

func TestGetActive(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/onboarding/active?tenant_id=tenant-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[TaskResponse](t, resp)
	assert.Equal(t, task.ID, body.TaskID)

	resp, err = http.Get(server.URL + "/onboarding/active?tenant_id=tenant-2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelEndpoint(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)

	resp := postJSON(t, server.URL+"/onboarding/tasks/"+task.ID+"/cancel",
		`{"tenant_id":"tenant-1","reason":"changed my mind"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[CancelResponse](t, resp)
	assert.Equal(t, "cancelled", body.Status)
	assert.False(t, body.AlreadyCancelled)

	// Idempotent repeat.
	resp = postJSON(t, server.URL+"/onboarding/tasks/"+task.ID+"/cancel",
		`{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[CancelResponse](t, resp)
	assert.True(t, again.AlreadyCancelled)
}

func TestCancelWrongTenant(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)

	resp := postJSON(t, server.URL+"/onboarding/tasks/"+task.ID+"/cancel",
		`{"tenant_id":"tenant-2"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelCompletedConflicts(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	server := newTestServer(repo)
	defer server.Close()

	task, err := repo.Enqueue(ctx, store.NewTask("tenant-1", "key-1", store.TaskInputs{Code: "auth-code"}))
	require.NoError(t, err)
	ok, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Complete(ctx, task.ID, json.RawMessage(`{"waba_id":"w1"}`))
	require.NoError(t, err)
	require.True(t, ok)

	resp := postJSON(t, server.URL+"/onboarding/tasks/"+task.ID+"/cancel",
		`{"tenant_id":"tenant-1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}
