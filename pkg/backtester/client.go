// Package backtester is a Go SDK for the backtest-server JSON API.
package backtester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"backtester/internal/domain"
	"backtester/internal/engine"
	"backtester/internal/summary"
)

// Client provides a Go SDK for interacting with the backtest-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backtester API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backtester: %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func escape(id string) string { return url.PathEscape(id) }

// StartBacktest queues a backtest.
func (c *Client) StartBacktest(ctx context.Context, opts domain.StrategyOptions) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.do(ctx, http.MethodPost, "/api/backtest", opts, &t)
	return t, err
}

// UpdateBacktest queues an incremental update.
func (c *Client) UpdateBacktest(ctx context.Context, id string) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.do(ctx, http.MethodPost, "/api/backtest/"+escape(id)+"/update", nil, &t)
	return t, err
}

// OptimizeStoplossTarget queues a stoploss/target grid search over id.
func (c *Client) OptimizeStoplossTarget(ctx context.Context, id string, oo domain.OptimizeOptions) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.do(ctx, http.MethodPost, "/api/backtest/"+escape(id)+"/optimize-stoploss", oo, &t)
	return t, err
}

// OptimizeIndicators queues an indicator capture over id.
func (c *Client) OptimizeIndicators(ctx context.Context, id string) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.do(ctx, http.MethodPost, "/api/backtest/"+escape(id)+"/optimize-indicators", nil, &t)
	return t, err
}

// FixFaulty queues a repair of the faulty symbols.
func (c *Client) FixFaulty(ctx context.Context) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.do(ctx, http.MethodPost, "/api/faulty/fix", nil, &t)
	return t, err
}

// Results lists the stored backtest ids.
func (c *Client) Results(ctx context.Context) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	err := c.do(ctx, http.MethodGet, "/api/results", nil, &resp)
	return resp.IDs, err
}

// Result retrieves a backtest or optimized cell.
func (c *Client) Result(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var r domain.BacktestResult
	if err := c.do(ctx, http.MethodGet, "/api/results/"+escape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Summary retrieves the summary of a result.
func (c *Client) Summary(ctx context.Context, id string) (*summary.Summary, error) {
	var s summary.Summary
	if err := c.do(ctx, http.MethodGet, "/api/results/"+escape(id)+"/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ActionsToday retrieves today's buys and sells of a result.
func (c *Client) ActionsToday(ctx context.Context, id string) (*engine.Actions, error) {
	var a engine.Actions
	if err := c.do(ctx, http.MethodGet, "/api/results/"+escape(id)+"/actions", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Delete removes a result with its optimized cells and capture.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/results/"+escape(id), nil, nil)
}

// OptimizedStoplossTarget retrieves the grid cells of a base backtest.
func (c *Client) OptimizedStoplossTarget(ctx context.Context, id string) (*engine.OptimizedSet, error) {
	var s engine.OptimizedSet
	if err := c.do(ctx, http.MethodGet, "/api/optimized/"+escape(id)+"/stoploss-target", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// OptimizedIndicators retrieves the indicator capture of a base backtest.
func (c *Client) OptimizedIndicators(ctx context.Context, id string) (map[string]domain.IndicatorCapture, error) {
	var out map[string]domain.IndicatorCapture
	err := c.do(ctx, http.MethodGet, "/api/optimized/"+escape(id)+"/indicators", nil, &out)
	return out, err
}
