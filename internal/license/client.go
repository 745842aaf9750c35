package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil-go/internal/config"
	"vigil-go/internal/vigil"
)

// Activation is the server's answer to a successful activation.
type Activation struct {
	ActivationID string    `json:"activationId"`
	Expiry       time.Time `json:"expiry"`
	SeatLimit    int       `json:"seatLimit"`
}

// Validation is the server's view of an existing activation.
type Validation struct {
	Valid     bool      `json:"valid"`
	Expiry    time.Time `json:"expiry"`
	AutoRenew bool      `json:"autoRenew"`
	SeatCount int       `json:"seatCount"`
	Revoked   bool      `json:"revoked"`
}

// Client talks to the license server. Errors wrap vigil.ErrTransient when the
// server could not give an answer and vigil.ErrAuthoritative when it refused.
type Client interface {
	Activate(ctx context.Context, deviceID, key string) (*Activation, error)
	Validate(ctx context.Context, activationID, deviceID string) (*Validation, error)
	SetAutoRenew(ctx context.Context, activationID string, enabled bool) error
}

// HTTPClient is the JSON-over-HTTP license server client.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient. A zero timeout uses 8s.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// NewClientFromConfig creates the license client. Without a server URL there
// is nothing to talk to and it returns nil.
func NewClientFromConfig(cfg config.LicenseConfig) Client {
	if cfg.ServerURL == "" {
		return nil
	}
	return NewHTTPClient(cfg.ServerURL, cfg.AuthToken, cfg.RequestTimeout.Duration)
}

type activateRequest struct {
	DeviceID   string `json:"deviceId"`
	LicenseKey string `json:"licenseKey"`
}

type validateRequest struct {
	ActivationID string `json:"activationId"`
	DeviceID     string `json:"deviceId"`
}

type renewRequest struct {
	ActivationID string `json:"activationId"`
	Enabled      bool   `json:"enabled"`
}

type renewResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Activate(ctx context.Context, deviceID, key string) (*Activation, error) {
	var out Activation
	if err := c.post(ctx, "/activate", activateRequest{DeviceID: deviceID, LicenseKey: key}, &out); err != nil {
		return nil, err
	}
	if out.ActivationID == "" {
		return nil, fmt.Errorf("activate: response has no activation id: %w", vigil.ErrTransient)
	}
	return &out, nil
}

func (c *HTTPClient) Validate(ctx context.Context, activationID, deviceID string) (*Validation, error) {
	var out Validation
	if err := c.post(ctx, "/validate", validateRequest{ActivationID: activationID, DeviceID: deviceID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SetAutoRenew(ctx context.Context, activationID string, enabled bool) error {
	var out renewResponse
	if err := c.post(ctx, "/renew-toggle", renewRequest{ActivationID: activationID, Enabled: enabled}, &out); err != nil {
		return err
	}
	if !out.Accepted {
		msg := out.Error
		if msg == "" {
			msg = "not accepted"
		}
		return fmt.Errorf("renew-toggle: %s: %w", msg, vigil.ErrAuthoritative)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", endpoint, err, vigil.ErrTransient)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: reading response: %v: %w", endpoint, err, vigil.ErrTransient)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %v: %w", endpoint, err, vigil.ErrTransient)
	}
	return nil
}

// statusError classifies a non-200 answer. A rejected auth token, throttling
// and server errors are retried; any other client error is the server's
// final word.
func statusError(endpoint string, code int, body []byte) error {
	var e errorResponse
	_ = json.Unmarshal(body, &e)
	reason := e.Error
	if reason == "" {
		reason = http.StatusText(code)
	}

	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusRequestTimeout, code == http.StatusTooManyRequests,
		code >= 500:
		return fmt.Errorf("%s: status %d: %s: %w", endpoint, code, reason, vigil.ErrTransient)
	case code >= 400:
		return fmt.Errorf("%s: status %d: %s: %w", endpoint, code, reason, vigil.ErrAuthoritative)
	default:
		return fmt.Errorf("%s: unexpected status %d: %w", endpoint, code, vigil.ErrTransient)
	}
}
