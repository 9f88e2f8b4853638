// Package sync reconciles locally recorded sessions with the remote
// authority: a structured API client plus the deduplicating, overlap-resolving
// drain engine over the offline queue.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/campusnet/attendance-agent/internal/models"
)

// Client talks to the authenticated HTTP API of the remote authority.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// NewClient creates an API client. Every request carries the bearer token and
// a per-request timeout; trace context propagates via otelhttp.
func NewClient(baseURL string, timeout time.Duration, tokens TokenProvider) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// StartRequest mirrors POST /session/start.
type StartRequest struct {
	IP                string           `json:"ip"`
	Location          *models.GeoPoint `json:"location,omitempty"`
	ValidationMethods []string         `json:"validationMethods"`
	Campus            string           `json:"campus,omitempty"`
	Distance          float64          `json:"distance,omitempty"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

// BackgroundSyncRequest mirrors POST /session/background-sync, the offline
// reconciliation endpoint.
type BackgroundSyncRequest struct {
	SessionID string           `json:"sessionId"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Duration  int64            `json:"duration"`
	IP        string           `json:"ip"`
	Location  *models.GeoPoint `json:"location,omitempty"`
}

type backgroundSyncResponse struct {
	Message string `json:"message"`
}

// StartSession registers a freshly started session server-side and returns
// the server's session ID.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (string, error) {
	var resp startResponse
	if err := c.post(ctx, "/session/start", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// EndSession closes the server-side session. The endpoint is idempotent:
// success-like even when no active session is recorded server-side.
func (c *Client) EndSession(ctx context.Context) error {
	return c.post(ctx, "/session/end", struct{}{}, nil)
}

// UpdateSession is the heartbeat. A KindNotFound error means the server has
// no active session and the caller should clear the local one.
func (c *Client) UpdateSession(ctx context.Context) error {
	return c.post(ctx, "/session/update", struct{}{}, nil)
}

// BackgroundSync submits one ended session for offline reconciliation.
func (c *Client) BackgroundSync(ctx context.Context, req BackgroundSyncRequest) error {
	var resp backgroundSyncResponse
	return c.post(ctx, "/session/background-sync", req, &resp)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token()
	if err != nil || token == "" {
		return &APIError{Kind: KindAuthFailed, Endpoint: path, Message: "no credential available"}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetwork, Endpoint: path, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := KindUnknown
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = KindAuthFailed
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			kind = KindNetwork
		}
		return &APIError{Kind: kind, StatusCode: resp.StatusCode, Endpoint: path, Message: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
