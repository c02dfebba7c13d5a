// Package cache wraps the Redis-compatible ephemeral store used for
// execution sessions, fast-path variable reads, and execution input
// and output. Everything here is disposable; the durable backend is
// the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"scriptflow/config"
	"scriptflow/core/models"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with key conventions and a shared TTL.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to the cache and verifies the connection.
func New(cfg config.CacheConfig) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	return &Client{client: client, ttl: cfg.TTL}, nil
}

// Close closes the cache connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func sessionKey(executionID string) string {
	return "session:" + executionID
}

func variableKey(userID, key string) string {
	return fmt.Sprintf("variable:%s:%s", userID, key)
}

func inputKey(executionID string) string {
	return "input:" + executionID
}

func outputKey(executionID string) string {
	return "output:" + executionID
}

// SetSession stores an execution session. The session expires on its
// own when the execution's deadline passes, so a crashed sandbox
// cannot hold the bridge open forever.
func (c *Client) SetSession(ctx context.Context, session *models.ExecutionSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session for execution %s is already expired", session.ExecutionID)
	}
	return c.setJSON(ctx, sessionKey(session.ExecutionID), session, ttl)
}

// GetSession retrieves an execution session, or nil when absent.
func (c *Client) GetSession(ctx context.Context, executionID string) (*models.ExecutionSession, error) {
	var session models.ExecutionSession
	ok, err := c.getJSON(ctx, sessionKey(executionID), &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

// GetVariable retrieves a cached variable, or nil on miss.
func (c *Client) GetVariable(ctx context.Context, userID, key string) (*models.Variable, error) {
	var variable models.Variable
	ok, err := c.getJSON(ctx, variableKey(userID, key), &variable)
	if err != nil || !ok {
		return nil, err
	}
	return &variable, nil
}

// SetVariable caches a variable after a durable write or a miss fill.
func (c *Client) SetVariable(ctx context.Context, userID string, variable *models.Variable) error {
	return c.setJSON(ctx, variableKey(userID, variable.Key), variable, c.ttl)
}

// DeleteVariable drops a cached variable.
func (c *Client) DeleteVariable(ctx context.Context, userID, key string) error {
	if err := c.client.Del(ctx, variableKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached variable: %w", err)
	}
	return nil
}

// SetInput stages input data for an execution before it starts.
func (c *Client) SetInput(ctx context.Context, executionID string, input any) error {
	return c.setJSON(ctx, inputKey(executionID), input, c.ttl)
}

// GetInput retrieves staged input for an execution. Returns false when
// no input was staged.
func (c *Client) GetInput(ctx context.Context, executionID string) (any, bool, error) {
	var input any
	ok, err := c.getJSON(ctx, inputKey(executionID), &input)
	return input, ok, err
}

// SetOutput caches an execution's output for downstream fast-path
// reads. The durable write happens first; this is an accelerator.
func (c *Client) SetOutput(ctx context.Context, executionID string, output any) error {
	return c.setJSON(ctx, outputKey(executionID), output, c.ttl)
}

// GetOutput retrieves a cached execution output.
func (c *Client) GetOutput(ctx context.Context, executionID string) (any, bool, error) {
	var output any
	ok, err := c.getJSON(ctx, outputKey(executionID), &output)
	return output, ok, err
}

// InvalidateExecution removes all cached data for an execution.
func (c *Client) InvalidateExecution(ctx context.Context, executionID string) error {
	keys := []string{
		sessionKey(executionID),
		inputKey(executionID),
		outputKey(executionID),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate execution %s: %w", executionID, err)
	}
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}
