// Package waba is the client for the messaging platform's provisioning API.
// The saga treats it as an opaque collaborator: every call either returns a
// typed result or a structured *APIError.
package waba

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
)

// Token is the result of exchanging a one-time authorization code.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// BusinessAccount is the resolved identity of the tenant on the platform.
type BusinessAccount struct {
	WabaID        string `json:"waba_id"`
	Name          string `json:"name"`
	PhoneNumberID string `json:"phone_number_id"`
	DisplayNumber string `json:"display_number"`
}

// Client is the provisioning surface the onboarding saga consumes.
type Client interface {
	// ExchangeCode trades the one-time authorization code for a business
	// token. The code is consumed on the platform side even if this process
	// crashes before seeing the response.
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	// ResolveBusiness discovers the WABA and phone number behind the token.
	// Non-empty hints short-circuit discovery.
	ResolveBusiness(ctx context.Context, accessToken, wabaIDHint, phoneNumberIDHint string) (*BusinessAccount, error)
	// RegisterPhone registers the phone number for cloud messaging.
	RegisterPhone(ctx context.Context, accessToken, phoneNumberID string) error
	// SubscribeApp subscribes the app to the WABA's webhook events.
	SubscribeApp(ctx context.Context, accessToken, wabaID string) error
}

type HTTPClient struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
}

func NewHTTPClient(cfg config.WabaSettings) *HTTPClient {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	q := url.Values{}
	q.Set("client_id", c.appID)
	q.Set("client_secret", c.appSecret)
	q.Set("code", code)

	var token Token
	if err := c.get(ctx, "/oauth/access_token?"+q.Encode(), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *HTTPClient) ResolveBusiness(ctx context.Context, accessToken, wabaIDHint, phoneNumberIDHint string) (*BusinessAccount, error) {
	wabaID := wabaIDHint
	if wabaID == "" {
		var debug struct {
			Data struct {
				GranularScopes []struct {
					Scope     string   `json:"scope"`
					TargetIDs []string `json:"target_ids"`
				} `json:"granular_scopes"`
			} `json:"data"`
		}
		if err := c.getAuth(ctx, "/debug_token?input_token="+url.QueryEscape(accessToken), accessToken, &debug); err != nil {
			return nil, err
		}
		for _, scope := range debug.Data.GranularScopes {
			if scope.Scope == "whatsapp_business_management" && len(scope.TargetIDs) > 0 {
				wabaID = scope.TargetIDs[0]
				break
			}
		}
		if wabaID == "" {
			return nil, &APIError{Code: CodeInvalidParameter, Message: "token grants no business account"}
		}
	}

	var account struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getAuth(ctx, "/"+wabaID, accessToken, &account); err != nil {
		return nil, err
	}

	business := &BusinessAccount{WabaID: account.ID, Name: account.Name, PhoneNumberID: phoneNumberIDHint}
	if business.PhoneNumberID == "" {
		var phones struct {
			Data []struct {
				ID            string `json:"id"`
				DisplayNumber string `json:"display_phone_number"`
			} `json:"data"`
		}
		if err := c.getAuth(ctx, "/"+wabaID+"/phone_numbers", accessToken, &phones); err != nil {
			return nil, err
		}
		if len(phones.Data) == 0 {
			return nil, &APIError{Code: CodeInvalidParameter, Message: "business account has no phone numbers"}
		}
		business.PhoneNumberID = phones.Data[0].ID
		business.DisplayNumber = phones.Data[0].DisplayNumber
	}
	return business, nil
}

func (c *HTTPClient) RegisterPhone(ctx context.Context, accessToken, phoneNumberID string) error {
	body := map[string]string{"messaging_product": "whatsapp"}
	return c.post(ctx, "/"+phoneNumberID+"/register", accessToken, body)
}

func (c *HTTPClient) SubscribeApp(ctx context.Context, accessToken, wabaID string) error {
	return c.post(ctx, "/"+wabaID+"/subscribed_apps", accessToken, nil)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *HTTPClient) getAuth(ctx context.Context, path, accessToken string, out any) error {
	return c.do(ctx, http.MethodGet, path, accessToken, nil, out)
}

func (c *HTTPClient) post(ctx context.Context, path, accessToken string, body any) error {
	var success struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, path, accessToken, body, &success); err != nil {
		return err
	}
	if !success.Success {
		return &APIError{Code: CodeServiceTemporary, Message: "platform reported success=false"}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	ctx, span := otel.Tracer("waba-onboarding").Start(ctx, "waba."+method+" "+path)
	defer span.End()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("waba: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		var wrapper struct {
			Error APIError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
			return &APIError{HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("unreadable error body: %v", err)}
		}
		apiErr := wrapper.Error
		apiErr.HTTPStatus = resp.StatusCode
		span.RecordError(&apiErr)
		return &apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
