package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cruciblehq/crucible/api/pkg/system"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

// Client talks to the persistence backend's HTTP API. It performs exactly
// one attempt per call - retry discipline belongs to the callers (the crown
// coordinator wraps every store call in its own capped backoff).
type Client struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

var _ Store = &Client{}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: system.NewRetryClient(0),
	}
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%s", taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTaskRuns(ctx context.Context, taskID string) ([]*types.Run, error) {
	var runs []*types.Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%s/runs", taskID), nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) MarkRunComplete(ctx context.Context, runID string, exitCode int) error {
	body := map[string]int{"exit_code": exitCode}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/runs/%s/complete", runID), body, nil)
}

func (c *Client) FlagTaskPendingEvaluation(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/flag-evaluation", taskID), nil, nil)
}

func (c *Client) AppendRunLog(ctx context.Context, runID string, chunk []byte) error {
	if len(chunk) > MaxLogChunkBytes {
		return fmt.Errorf("log chunk of %d bytes exceeds per-write ceiling of %d", len(chunk), MaxLogChunkBytes)
	}
	body := map[string]string{"content": string(chunk)}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/runs/%s/log", runID), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bts, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bts)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := system.AddAuthHeadersRetryable(req, c.token); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%s %s: %w", method, path, ErrConflict)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bts, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store returned status %d: %s", resp.StatusCode, string(bts))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
