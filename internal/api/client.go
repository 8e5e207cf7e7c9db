// Package api is the HTTP client for the cafe backend: device-signed calls
// for the command channel plus plain admin-token calls for onboarding.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"primus-kiosk/internal/model"
	"primus-kiosk/internal/signer"
)

const (
	headerPCID      = "X-PC-ID"
	headerSignature = "X-Device-Signature"
	headerTimestamp = "X-Device-Timestamp"
	headerNonce     = "X-Device-Nonce"
)

// The signing payload includes the path exactly as the server sees it,
// /api prefix included.
const apiPrefix = "/api"

const defaultHTTPTimeout = 35 * time.Second

// StatusError is a non-2xx backend response. Connectivity failures surface
// as plain transport errors instead.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("backend responded %d: %s", e.StatusCode, msg)
}

// IsConnectivity classifies an error as transient network trouble: transport
// failures and 5xx responses. 4xx responses are caller errors and are not
// retryable.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	// Anything that never produced a response: DNS, refused, timeout.
	return true
}

// Client talks to the backend. BaseURL is resolved per call so a user-chosen
// override takes effect without restarting the loops.
type Client struct {
	BaseURL    func() string
	HTTPClient *http.Client
}

func NewClient(baseURL func() string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *Client) apiURL(path string) string {
	base := strings.TrimRight(c.BaseURL(), "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + apiPrefix + path
}

// SignedPost marshals body once, signs those exact bytes, and POSTs them with
// the device identity headers attached.
func (c *Client) SignedPost(ctx context.Context, creds model.DeviceCredentials, path string, body any) ([]byte, error) {
	if creds.DeviceSecret == "" {
		return nil, signer.ErrEmptySecret
	}

	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(raw)
	}

	sig, err := signer.Sign(http.MethodPost, apiPrefix+path, bodyStr, creds.DeviceSecret)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(path), strings.NewReader(bodyStr))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPCID, strconv.Itoa(creds.PCID))
	req.Header.Set(headerSignature, sig.Signature)
	req.Header.Set(headerTimestamp, sig.Timestamp)
	req.Header.Set(headerNonce, sig.Nonce)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Heartbeat sends the signed liveness signal.
func (c *Client) Heartbeat(ctx context.Context, creds model.DeviceCredentials) error {
	_, err := c.SignedPost(ctx, creds, "/clientpc/heartbeat", struct{}{})
	return err
}

// Pull long-polls for pending commands; the server holds the request open for
// up to timeoutSeconds and returns early when work arrives.
func (c *Client) Pull(ctx context.Context, creds model.DeviceCredentials, timeoutSeconds int) ([]model.Command, error) {
	data, err := c.SignedPost(ctx, creds, "/command/pull", map[string]int{"timeout": timeoutSeconds})
	if err != nil {
		return nil, err
	}
	var commands []model.Command
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return commands, nil
}

// Ack reports a command state transition. Result may be nil.
func (c *Client) Ack(ctx context.Context, creds model.DeviceCredentials, commandID int64, state model.AckState, result any) error {
	body := map[string]any{
		"command_id": commandID,
		"state":      state,
	}
	if result != nil {
		body["result"] = result
	}
	_, err := c.SignedPost(ctx, creds, "/command/ack", body)
	return err
}

// EstimateTimeLeft asks billing for the server-authoritative remaining
// minutes of this PC's session.
func (c *Client) EstimateTimeLeft(ctx context.Context, pcID int) (float64, error) {
	u := c.apiURL("/billing/estimate-timeleft") + "?pc_id=" + strconv.Itoa(pcID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	data, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var out struct {
		Minutes *float64 `json:"minutes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode estimate response: %w", err)
	}
	if out.Minutes == nil {
		return 0, fmt.Errorf("estimate response missing minutes")
	}
	return *out.Minutes, nil
}

// StopSession ends a server session, used by the reconciler's auto-stop and
// the crash-recovery sweep. Both run unattended on the device, so the call
// authenticates with the device signature rather than a bearer token.
func (c *Client) StopSession(ctx context.Context, creds model.DeviceCredentials, sessionID int64) error {
	_, err := c.SignedPost(ctx, creds, "/session/stop/"+strconv.FormatInt(sessionID, 10), nil)
	return err
}

// LoginAdmin exchanges one-time admin credentials for a bearer token during
// onboarding. The backend expects form encoding on this endpoint.
func (c *Client) LoginAdmin(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/auth/login"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := c.do(req)
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("login response missing access token")
	}
	return out.AccessToken, nil
}

// GetJSON performs a bearer-authenticated GET and decodes the response into
// out.
func (c *Client) GetJSON(ctx context.Context, path, authToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(path), nil)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	data, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// PostJSON performs a bearer-authenticated POST and decodes the response into
// out when non-nil.
func (c *Client) PostJSON(ctx context.Context, path, authToken string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(path), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	data, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
