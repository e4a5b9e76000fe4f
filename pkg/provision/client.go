// Package provision calls the OfficeX platform REST API to create the organizations and
// identities a host later injects into the child.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const logPrefix = "provision:client"

// DefaultTimeout bounds a single REST call.
const DefaultTimeout = 30 * time.Second

// ErrEmptyResponse means the platform answered with neither ok nor err.
var ErrEmptyResponse = errors.New("response carried neither ok nor err")

// APIError is the err arm of the platform response envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("platform error %d (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("platform error (http %d): %s", e.Status, e.Message)
}

// response is the {ok:{data}} | {err} envelope every endpoint returns.
type response struct {
	Ok *struct {
		Data json.RawMessage `json:"data"`
	} `json:"ok"`
	Err json.RawMessage `json:"err"`
}

// Config configures a Client.
type Config struct {
	// BaseURL is the platform origin, e.g. https://api.officex.app.
	BaseURL string
	// FactoryAPIKey is sent as a bearer token on factory endpoints. Optional.
	FactoryAPIKey string
	Timeout       time.Duration
}

// NewClientParams holds parameters for creating a Client.
type NewClientParams struct {
	Config     Config
	HTTPClient *http.Client
}

// Client is a small REST client for the platform factory and drive endpoints.
type Client struct {
	baseURL    string
	factoryKey string
	http       *http.Client
}

// NewClient creates a new Client.
func NewClient(params NewClientParams) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(params.Config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s - base URL is required", logPrefix)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%s - invalid base URL %q: %w", logPrefix, base, err)
	}
	hc := params.HTTPClient
	if hc == nil {
		timeout := params.Config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, factoryKey: params.Config.FactoryAPIKey, http: hc}, nil
}

// post sends body to base+path and decodes the ok data into out.
func (c *Client) post(ctx context.Context, base, path, bearer string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s - encode request: %w", logPrefix, err)
	}
	endpoint := strings.TrimRight(base, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s - build request: %w", logPrefix, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	slog.Debug(fmt.Sprintf("%s - POST %s", logPrefix, endpoint))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s - POST %s: %w", logPrefix, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s - read response: %w", logPrefix, err)
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("%s - decode response: %w", logPrefix, err)
	}
	if len(env.Err) > 0 && string(env.Err) != "null" {
		return decodeAPIError(resp.StatusCode, env.Err)
	}
	if env.Ok == nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%s - POST %s: %w", logPrefix, path, ErrEmptyResponse)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Ok.Data, out); err != nil {
		return fmt.Errorf("%s - decode data: %w", logPrefix, err)
	}
	return nil
}

// decodeAPIError accepts both {code,message} objects and bare strings.
func decodeAPIError(status int, raw json.RawMessage) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(raw, apiErr); err == nil {
		return apiErr
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		apiErr.Message = msg
		return apiErr
	}
	apiErr.Message = string(raw)
	return apiErr
}
