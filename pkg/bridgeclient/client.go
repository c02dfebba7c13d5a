// Package bridgeclient is the thin Go client for the runtime bridge
// wire protocol. Server errors are retried with bounded exponential
// backoff; client errors fail immediately; deadline overruns surface
// as ErrTimeout so callers can tell a slow bridge from a broken one.
package bridgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrTimeout is returned when a call exceeds its deadline, either the
// transport's or the caller's.
var ErrTimeout = errors.New("bridge call timed out")

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the call may be tried again.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// Variable is a named value returned by GetVariable.
type Variable struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// EventMetadata is the triggering-event view for a sandbox.
type EventMetadata struct {
	EventID     string         `json:"eventId"`
	EventName   string         `json:"eventName"`
	ExecutionID string         `json:"executionId"`
	JobID       string         `json:"jobId"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ToolActionResult is the dispatcher's answer to a tool action.
type ToolActionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client talks to the bridge on behalf of one execution.
type Client struct {
	baseURL     string
	token       string
	executionID string
	http        *http.Client

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry tunes the retry budget for server errors.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.initialDelay = initialDelay
		c.maxDelay = maxDelay
	}
}

// New creates a bridge client bound to one execution.
func New(baseURL, token, executionID string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		executionID:  executionID,
		http:         &http.Client{Timeout: 30 * time.Second},
		maxAttempts:  3,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv builds a client from the environment an execution agent
// injects into the sandbox.
func FromEnv() (*Client, error) {
	baseURL := os.Getenv("SCRIPTFLOW_BRIDGE_URL")
	token := os.Getenv("SCRIPTFLOW_BRIDGE_TOKEN")
	executionID := os.Getenv("SCRIPTFLOW_EXECUTION_ID")
	if baseURL == "" || token == "" || executionID == "" {
		return nil, errors.New("bridge environment is incomplete")
	}
	return New(baseURL, token, executionID), nil
}

type successEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorEnvelope struct {
	Message string `json:"message"`
}

// GetInput fetches the input staged for this execution. No input
// yields nil.
func (c *Client) GetInput(ctx context.Context) (any, error) {
	data, err := c.call(ctx, http.MethodGet, "/input", nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("malformed input payload: %w", err)
	}
	return input, nil
}

// SetOutput stores this execution's output. Last write wins.
func (c *Client) SetOutput(ctx context.Context, data any) error {
	_, err := c.call(ctx, http.MethodPost, "/output", map[string]any{"data": data})
	return err
}

// GetOutput reads back the output stored for this execution so far.
// Nothing stored yields nil.
func (c *Client) GetOutput(ctx context.Context) (any, error) {
	data, err := c.call(ctx, http.MethodGet, "/output", nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var output any
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("malformed output payload: %w", err)
	}
	return output, nil
}

// GetVariable fetches a named variable. A missing key returns nil,
// not an error.
func (c *Client) GetVariable(ctx context.Context, key string) (*Variable, error) {
	data, err := c.call(ctx, http.MethodGet, "/variables/"+url.PathEscape(key), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var variable Variable
	if err := json.Unmarshal(data, &variable); err != nil {
		return nil, fmt.Errorf("malformed variable payload: %w", err)
	}
	return &variable, nil
}

// SetVariable writes a named variable.
func (c *Client) SetVariable(ctx context.Context, key string, value any) error {
	_, err := c.call(ctx, http.MethodPost, "/variables/"+url.PathEscape(key), map[string]any{"value": value})
	return err
}

// DeleteVariable removes a named variable. Deleting a key that was
// never set still succeeds.
func (c *Client) DeleteVariable(ctx context.Context, key string) error {
	_, err := c.call(ctx, http.MethodDelete, "/variables/"+url.PathEscape(key), nil)
	return err
}

// SetCondition records the boolean branch condition.
func (c *Client) SetCondition(ctx context.Context, condition bool) error {
	_, err := c.call(ctx, http.MethodPost, "/condition", map[string]any{"condition": condition})
	return err
}

// GetEvent fetches the triggering-event metadata.
func (c *Client) GetEvent(ctx context.Context) (*EventMetadata, error) {
	data, err := c.call(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		return nil, err
	}
	var metadata EventMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	return &metadata, nil
}

// ExecuteToolAction runs a named tool action through the bridge.
func (c *Client) ExecuteToolAction(ctx context.Context, tool, action string, config map[string]any) (*ToolActionResult, error) {
	data, err := c.call(ctx, http.MethodPost, "/tool-actions", map[string]any{
		"tool":   tool,
		"action": action,
		"config": config,
	})
	if err != nil {
		return nil, err
	}
	var result ToolActionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("malformed tool action payload: %w", err)
	}
	return &result, nil
}

// call runs one wire call with the retry policy and returns the raw
// data field of the success envelope.
func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var lastErr error
	delay := c.initialDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		data, err := c.do(ctx, method, path, body)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, err
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := fmt.Sprintf("%s/executions/%s%s", c.baseURL, url.PathEscape(c.executionID), path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		message := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
			message = envelope.Message
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	var envelope successEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed response envelope: %w", err)
	}
	return envelope.Data, nil
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
