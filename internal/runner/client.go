// Package runner is the HTTP client for the deployment-execution
// collaborator: it starts deployment runs and cancels flow runs.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("runner unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runner returned %d: %s", e.Code, e.Body)
}

// retryable: server errors, timeouts and throttling.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxFailures uint32        // consecutive failures before the breaker opens
	OpenTimeout time.Duration // how long the breaker stays open
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to the runner API.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("runner base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("runner base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   opts.HTTPClient,
		logger: opts.Logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "runner",
		Interval: time.Minute,
		Timeout:  opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Rejections of a bad request say nothing about runner health.
			return err == nil || action.IsPermanent(err)
		},
	})
	return c, nil
}

type createRunRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type createRunResponse struct {
	ID string `json:"id"`
}

// RunDeployment starts a run of deploymentID and returns the run id. The
// idempotency key lets the runner collapse redelivered requests.
func (c *Client) RunDeployment(ctx context.Context, deploymentID string, params map[string]any, idemKey string) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	var resp createRunResponse
	path := "/deployments/" + url.PathEscape(deploymentID) + "/create_flow_run"
	if err := c.post(ctx, path, idemKey, createRunRequest{Parameters: params}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CancelFlowRun cancels runID. A run that already finished (409) counts as
// cancelled.
func (c *Client) CancelFlowRun(ctx context.Context, runID, idemKey string) error {
	err := c.post(ctx, "/flow_runs/"+url.PathEscape(runID)+"/cancel", idemKey, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) post(ctx context.Context, path, idemKey string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, idemKey, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path, idemKey string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return action.Permanent(fmt.Errorf("encode request: %w", err))
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return action.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if se.retryable() {
			return se
		}
		return action.Permanent(se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
