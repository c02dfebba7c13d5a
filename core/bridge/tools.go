package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"scriptflow/config"
	"scriptflow/core/models"
	"scriptflow/pkg/apperr"
)

// HTTPToolDispatcher forwards tool actions to the credential-aware
// backend dispatcher over HTTP. Credentials never pass through here;
// the dispatcher resolves them server side from the user identity.
type HTTPToolDispatcher struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPToolDispatcher creates a dispatcher client from tool settings.
func NewHTTPToolDispatcher(cfg config.ToolsConfig) *HTTPToolDispatcher {
	return &HTTPToolDispatcher{
		url:    cfg.DispatcherURL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type toolDispatchRequest struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Config map[string]any `json:"config,omitempty"`
	UserID string         `json:"userId"`
}

// Dispatch executes one tool action on behalf of a user.
func (d *HTTPToolDispatcher) Dispatch(ctx context.Context, userID string, req *ToolActionRequest) (*models.ToolActionResult, error) {
	if d.url == "" {
		return nil, apperr.Validation("no tool dispatcher configured")
	}

	body, err := json.Marshal(toolDispatchRequest{
		Tool:   req.Tool,
		Action: req.Action,
		Config: req.Config,
		UserID: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool action: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool action request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Bridge("tool dispatcher unreachable", true, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Bridge("failed to read tool dispatcher response", true, err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperr.Bridge(fmt.Sprintf("tool dispatcher returned %d", resp.StatusCode), true, nil)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Bridge(fmt.Sprintf("tool dispatcher rejected the action: %s", string(data)), false, nil)
	}

	var result models.ToolActionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperr.Bridge("malformed tool dispatcher response", false, err)
	}
	return &result, nil
}
