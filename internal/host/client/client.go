// Package client is the host's upstream HTTP client. It owns the error
// taxonomy every host loop relies on: real API errors are surfaced,
// transport-level connectivity failures are diverted into the outbox for
// queueable calls, and an authentication failure disables the client so
// nothing retries a dead token forever.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/types"
)

var (
	// ErrUnauthorized is returned when the bearer token is rejected. The
	// client disables itself; the operator must reconfigure credentials.
	ErrUnauthorized = errors.New("bearer token rejected by coordinator")
	// ErrDisabled is returned for every call after an auth failure.
	ErrDisabled = errors.New("client disabled after authentication failure")
)

// ConnectivityError marks a transport-level failure: the server was
// never reached, so the call may be safe to replay.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("coordinator unreachable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a transport-level failure.
func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

// StatusError is a non-2xx response from a reachable server. Always a
// real error to the caller, never queued.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Outbox is the durable retry queue attached for offline resilience.
type Outbox interface {
	ShouldQueue(method, path string) bool
	Enqueue(method, path string, body []byte) error
}

// Client talks to the coordinator API on behalf of one host.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	outbox     Outbox
	logger     *slog.Logger

	mu       sync.Mutex
	disabled bool
}

// Option configures a Client.
type Option func(*Client)

// WithOutbox attaches a durable retry queue for connectivity failures.
func WithOutbox(o Outbox) Option {
	return func(c *Client) { c.outbox = o }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a coordinator client.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Disabled reports whether the client shut itself off after an auth
// failure.
func (c *Client) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Client) disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return false
	}
	// Timeouts, refused/reset connections, DNS failures, and mid-stream
	// socket closes all land here; a reachable server answering with an
	// error status never does.
	if urlErr.Timeout() {
		return true
	}
	var netErr net.Error
	if errors.As(urlErr.Err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(urlErr.Err, &opErr) {
		return true
	}
	if errors.Is(urlErr.Err, io.EOF) || errors.Is(urlErr.Err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(urlErr.Err, &dnsErr)
}

// do performs one request. A connectivity failure on a queueable call is
// absorbed into the outbox and reported as success; everything else is
// surfaced.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c.Disabled() {
		return ErrDisabled
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isTransportError(err) {
			connErr := &ConnectivityError{Err: err}
			if c.outbox != nil && c.outbox.ShouldQueue(method, path) {
				if qErr := c.outbox.Enqueue(method, path, body); qErr != nil {
					return fmt.Errorf("enqueue to outbox: %w", qErr)
				}
				c.logger.Debug("queued call after connectivity failure", "method", method, "path", path)
				return nil
			}
			return connErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.disable()
		return ErrUnauthorized
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// SetSecret stores or replaces a named secret. Admin token required.
func (c *Client) SetSecret(ctx context.Context, secretID, name, value string) error {
	req := api.SetSecretRequest{SecretID: secretID, Name: name, Value: value}
	return c.do(ctx, http.MethodPost, "/api/v1/secrets", req, nil)
}

// ListSecrets returns secret metadata, never values. Admin token required.
func (c *Client) ListSecrets(ctx context.Context) ([]types.Secret, error) {
	var out []types.Secret
	if err := c.do(ctx, http.MethodGet, "/api/v1/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSecret removes a secret. Admin token required.
func (c *Client) DeleteSecret(ctx context.Context, secretID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/secrets/"+secretID, nil, nil)
}

// Replay re-sends a previously queued request body verbatim. It bypasses
// the outbox entirely: a replay that fails stays in the queue, so
// re-enqueueing here would duplicate it. A 409 means the server already
// moved past the queued state and counts as delivered.
func (c *Client) Replay(ctx context.Context, method, path string, body []byte) error {
	if c.Disabled() {
		return ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.disable()
		return ErrUnauthorized
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return nil
}

// Claim requests up to req.MaxTasks tasks. Claims are never queued: a
// connectivity failure is surfaced so the host retries later with fresh
// state. A 429 is decoded into a CapacityError.
func (c *Client) Claim(ctx context.Context, req claim.ClaimRequest) (claim.ClaimResult, error) {
	var result claim.ClaimResult
	err := c.do(ctx, http.MethodPost, "/api/v1/workers/claim", req, &result)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			var capErr claim.CapacityError
			if jsonErr := json.Unmarshal([]byte(statusErr.Message), &capErr); jsonErr == nil {
				return claim.ClaimResult{}, &capErr
			}
		}
		return claim.ClaimResult{}, err
	}
	return result, nil
}

// UpdateWorker PATCHes one worker's status and progress upstream. A 409
// means the server already considers the worker terminal; the race is
// benign, so it reports success.
func (c *Client) UpdateWorker(ctx context.Context, workerID string, update api.UpdateWorkerRequest) error {
	err := c.do(ctx, http.MethodPatch, "/api/v1/workers/"+workerID, update, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// SendCommand relays a control command. 409 is success, same as above.
func (c *Client) SendCommand(ctx context.Context, workerID string, action types.CommandAction, text string) error {
	payload := api.CommandRequest{Action: action, Text: text}
	err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+workerID+"/cmd", payload, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// AckCommand clears a worker's pending instruction once the relayed
// message reached its session. 409 is success, same as above.
func (c *Client) AckCommand(ctx context.Context, workerID string) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+workerID+"/ack", nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// Heartbeat announces liveness and capacity. When the call lands in the
// outbox the host simply gets no commands this round.
func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers/heartbeat", req, &resp); err != nil {
		return api.HeartbeatResponse{}, err
	}
	return resp, nil
}

// RedeemSecret redeems a single-use scoped ref. Any miss is ("", false):
// the server hides why.
func (c *Client) RedeemSecret(ctx context.Context, ref, workerID string) (string, bool, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/workers/secret/"+ref+"?workerId="+url.QueryEscape(workerID), nil, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return out.Value, true, nil
}

// CreateTask adds a task to the shared queue.
func (c *Client) CreateTask(ctx context.Context, req api.CreateTaskRequest) (types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by workspace.
func (c *Client) ListTasks(ctx context.Context, workspaceID string) ([]types.Task, error) {
	path := "/api/v1/tasks"
	if workspaceID != "" {
		path += "?workspaceId=" + url.QueryEscape(workspaceID)
	}
	var tasks []types.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListWorkers returns workers, optionally filtered by account.
func (c *Client) ListWorkers(ctx context.Context, accountID string) ([]types.Worker, error) {
	path := "/api/v1/workers"
	if accountID != "" {
		path += "?accountId=" + url.QueryEscape(accountID)
	}
	var workers []types.Worker
	if err := c.do(ctx, http.MethodGet, path, nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// ListHosts returns live hosts grouped by the workspaces they serve,
// optionally filtered by account.
func (c *Client) ListHosts(ctx context.Context, accountID string) ([]api.WorkspaceHosts, error) {
	path := "/api/v1/hosts"
	if accountID != "" {
		path += "?accountId=" + url.QueryEscape(accountID)
	}
	var groups []api.WorkspaceHosts
	if err := c.do(ctx, http.MethodGet, path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// ReassignTask releases or force-releases a claimed task.
func (c *Client) ReassignTask(ctx context.Context, taskID string, force bool) (claim.ReassignResult, error) {
	var result claim.ReassignResult
	payload := api.ReassignRequest{Force: force}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/reassign", payload, &result); err != nil {
		return claim.ReassignResult{}, err
	}
	return result, nil
}
