// Package client is a typed HTTP client for the ailab daemon API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thenullengine/ailab/internal/history"
	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/orchestrator"
	"github.com/thenullengine/ailab/internal/probe"
	"github.com/thenullengine/ailab/internal/supervisor"
)

// Re-exported response types.

type ToolStatus = orchestrator.ToolStatus

type ProcessStatus = supervisor.Status

type Event = logbus.Event

type Check = probe.Check

type HistoryRecord = history.Record

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional; nil disables client logging
}

// DefaultConfig returns the config matching the daemon's default
// listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8475",
		Timeout: 10 * time.Second,
	}
}

// Client talks to a running ailab daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	return err == nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("daemon request", "method", method, "path", path)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return fmt.Errorf("daemon: %s", er.Error)
		}
		return fmt.Errorf("daemon: unexpected status %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// Install asks the daemon to install the tool. A 202 means the install
// continues in the background; watch Logs or Status for progress.
func (c *Client) Install(ctx context.Context, tool string) error {
	return c.do(ctx, http.MethodPost, "/install/"+tool, nil)
}

// Update asks the daemon to update the tool.
func (c *Client) Update(ctx context.Context, tool string) error {
	return c.do(ctx, http.MethodPost, "/update/"+tool, nil)
}

// Start launches the tool's process under the daemon's supervision.
func (c *Client) Start(ctx context.Context, tool string) (ProcessStatus, error) {
	var out ProcessStatus
	err := c.do(ctx, http.MethodPost, "/start/"+tool, &out)
	return out, err
}

// Stop terminates the tool's process.
func (c *Client) Stop(ctx context.Context, tool string) error {
	return c.do(ctx, http.MethodPost, "/stop/"+tool, nil)
}

// Restart stops then starts the tool's process.
func (c *Client) Restart(ctx context.Context, tool string) (ProcessStatus, error) {
	var out ProcessStatus
	err := c.do(ctx, http.MethodPost, "/restart/"+tool, &out)
	return out, err
}

// Status returns one tool's status.
func (c *Client) Status(ctx context.Context, tool string) (ToolStatus, error) {
	var out ToolStatus
	err := c.do(ctx, http.MethodGet, "/status/"+tool, &out)
	return out, err
}

// StatusAll returns every tool's status.
func (c *Client) StatusAll(ctx context.Context) ([]ToolStatus, error) {
	var out []ToolStatus
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Logs returns the daemon's retained log events for the tool.
func (c *Client) Logs(ctx context.Context, tool string, n int) ([]Event, error) {
	var out []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/logs/%s?n=%d", tool, n), &out)
	return out, err
}

// Doctor returns the daemon's prerequisite checks.
func (c *Client) Doctor(ctx context.Context) ([]Check, error) {
	var out []Check
	err := c.do(ctx, http.MethodGet, "/doctor", &out)
	return out, err
}

// History returns recent operation records, newest first.
func (c *Client) History(ctx context.Context, tool string, limit int) ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/history?tool=%s&limit=%d", tool, limit), &out)
	return out, err
}
