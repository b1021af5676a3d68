package waba

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
)

func newTestClient(server *httptest.Server) *HTTPClient {
	return NewHTTPClient(config.WabaSettings{
		BaseURL:     server.URL,
		AppID:       "app-1",
		AppSecret:   "secret",
		HTTPTimeout: 5 * time.Second,
	})
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/access_token", r.URL.Path)
		assert.Equal(t, "auth-code", r.URL.Query().Get("code"))
		assert.Equal(t, "app-1", r.URL.Query().Get("client_id"))
		json.NewEncoder(w).Encode(Token{AccessToken: "biz-token", TokenType: "bearer"})
	}))
	defer server.Close()

	client := newTestClient(server)
	token, err := client.ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "biz-token", token.AccessToken)
}

func TestExchangeCodeConsumed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":          CodeInvalidParameter,
				"error_subcode": SubcodeAuthCodeConsumed,
				"message":       "This authorization code has been used",
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.ExchangeCode(context.Background(), "stale-code")
	require.Error(t, err)
	assert.True(t, IsAuthCodeConsumed(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
}

func TestResolveBusinessWithHints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/waba-1", r.URL.Path)
		assert.Equal(t, "Bearer biz-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"id": "waba-1", "name": "Acme"})
	}))
	defer server.Close()

	client := newTestClient(server)
	business, err := client.ResolveBusiness(context.Background(), "biz-token", "waba-1", "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "waba-1", business.WabaID)
	assert.Equal(t, "Acme", business.Name)
	assert.Equal(t, "phone-1", business.PhoneNumberID)
}

func TestResolveBusinessDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/debug_token":
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"granular_scopes": []map[string]any{
						{"scope": "whatsapp_business_management", "target_ids": []string{"waba-9"}},
					},
				},
			})
		case "/waba-9":
			json.NewEncoder(w).Encode(map[string]string{"id": "waba-9", "name": "Acme"})
		case "/waba-9/phone_numbers":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{
					{"id": "phone-9", "display_phone_number": "+1555"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	business, err := client.ResolveBusiness(context.Background(), "biz-token", "", "")
	require.NoError(t, err)
	assert.Equal(t, "waba-9", business.WabaID)
	assert.Equal(t, "phone-9", business.PhoneNumberID)
	assert.Equal(t, "+1555", business.DisplayNumber)
}

func TestResolveBusinessNoPhones(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/waba-1":
			json.NewEncoder(w).Encode(map[string]string{"id": "waba-1", "name": "Acme"})
		case "/waba-1/phone_numbers":
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.ResolveBusiness(context.Background(), "biz-token", "waba-1", "")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestRegisterPhone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/phone-1/register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer server.Close()

	client := newTestClient(server)
	assert.NoError(t, client.RegisterPhone(context.Background(), "biz-token", "phone-1"))
}

func TestSubscribeAppRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": CodeRateLimited, "message": "rate limit hit"},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	err := client.SubscribeApp(context.Background(), "biz-token", "waba-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
