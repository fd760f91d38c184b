// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ipc implements the per-tier HTTP client the supervisor uses to
// probe and drive tier agents. Every operation is bounded by an explicit
// timeout so a hung tier can never block the supervisor.
//
// Transport and protocol failures are normalized at this boundary:
// Health and Ping report them as nil/false, Execute synthesizes a failed
// task result, and only CallTool and ListTools surface an error value.
// The fallback chain and health monitors therefore never need error
// handling for network failure.
package ipc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tiermux/tiermux/internal/task"
)

const (
	pingTimeout    = 1 * time.Second
	healthTimeout  = 2 * time.Second
	toolsTimeout   = 5 * time.Second
	controlTimeout = 2 * time.Second
	defaultTimeout = 30 * time.Second
)

// Client talks to a single tier agent endpoint.
type Client struct {
	tier    string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the tier agent at baseURL.
func NewClient(tier, baseURL string) *Client {
	return &Client{
		tier:    tier,
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Tier returns the tier name this client targets.
func (c *Client) Tier() string {
	return c.tier
}

// Ping reports raw reachability: any 2xx from GET /ping counts as up.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/ping")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Health fetches the tier's self-reported health. Any transport error,
// non-2xx status, or malformed body yields nil; callers treat nil as
// unknown/unhealthy and never see an error.
func (c *Client) Health(ctx context.Context) *task.ServerHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/health")
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var health task.ServerHealth
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		log.Debugf("tier %s returned malformed health payload: %v", c.tier, err)
		return nil
	}

	return &health
}

// Execute submits a task to the tier with the task's own timeout as the
// request deadline. It never returns an error: transport failures and
// non-2xx responses are synthesized into a failed result locally, so the
// caller always gets exactly one result per attempt.
func (c *Client) Execute(ctx context.Context, t *task.Task) *task.Result {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()

	body, err := json.Marshal(t)
	if err != nil {
		return c.failedResult(t.ID, started, fmt.Sprintf("failed to encode task: %v", err))
	}

	resp, err := c.post(ctx, "/execute", body)
	if err != nil {
		return c.failedResult(t.ID, started, fmt.Sprintf("tier %s unreachable: %v", c.tier, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return c.failedResult(t.ID, started, fmt.Sprintf("tier %s returned status %d", c.tier, resp.StatusCode))
	}

	var result task.Result
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return c.failedResult(t.ID, started, fmt.Sprintf("tier %s returned malformed result: %v", c.tier, err))
	}

	if result.ExecutedBy == "" {
		result.ExecutedBy = c.tier
	}
	return &result
}

// CallTool invokes a named tool on the tier via POST /call and returns the
// raw response for the caller to pick apart. Unlike Execute, failures are
// reported through the error return.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"tool": name,
		"args": args,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to encode call payload: %w", err)
	}

	// Stamp the calling tier into the payload so agents can attribute calls.
	if stamped, errSet := sjson.SetBytes(body, "caller", c.tier); errSet == nil {
		body = stamped
	}

	resp, err := c.post(ctx, "/call", body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tier %s call failed: %w", c.tier, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tier %s call read failed: %w", c.tier, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := gjson.GetBytes(raw, "error").String(); msg != "" {
			return gjson.Result{}, fmt.Errorf("tier %s rejected call to %s: %s", c.tier, name, msg)
		}
		return gjson.Result{}, fmt.Errorf("tier %s rejected call to %s: status %d", c.tier, name, resp.StatusCode)
	}

	return gjson.ParseBytes(raw), nil
}

// ListTools fetches the tier's registered tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]task.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, toolsTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/tools")
	if err != nil {
		return nil, fmt.Errorf("tier %s tools listing failed: %w", c.tier, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("tier %s tools listing returned status %d", c.tier, resp.StatusCode)
	}

	var defs []task.ToolDefinition
	if err = json.NewDecoder(resp.Body).Decode(&defs); err != nil {
		return nil, fmt.Errorf("tier %s returned malformed tools listing: %w", c.tier, err)
	}

	return defs, nil
}

// NotifyFallback tells the tier it is receiving work because an earlier
// tier failed. Best effort: errors are logged, never returned.
func (c *Client) NotifyFallback(ctx context.Context, fromTier, taskID string) {
	payload, _ := json.Marshal(map[string]string{
		"from":    fromTier,
		"task_id": taskID,
	})
	c.fireAndForget(ctx, "/fallback", payload)
}

// Reload asks the tier to reload its tool set. Best effort.
func (c *Client) Reload(ctx context.Context) {
	c.fireAndForget(ctx, "/reload", nil)
}

// Shutdown asks the tier to shut down gracefully. Best effort.
func (c *Client) Shutdown(ctx context.Context) {
	c.fireAndForget(ctx, "/shutdown", nil)
}

func (c *Client) fireAndForget(ctx context.Context, path string, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	resp, err := c.post(ctx, path, body)
	if err != nil {
		log.Debugf("tier %s notification %s failed: %v", c.tier, path, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) failedResult(taskID string, started time.Time, msg string) *task.Result {
	return &task.Result{
		TaskID:        taskID,
		Success:       false,
		Error:         msg,
		ExecutedBy:    c.tier,
		ExecutionTime: time.Since(started),
	}
}
