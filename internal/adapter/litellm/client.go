// Package litellm reads spend logs from the LiteLLM Proxy admin API. The
// reconciler uses it as the upstream usage source of truth.
package litellm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/port/usageapi"
	"github.com/Strob0t/MeterForge/internal/resilience"
)

var _ usageapi.Source = (*Client)(nil)

const (
	sourceName = "litellm"

	// timeLayout is the date-time format /spend/logs accepts for its window.
	timeLayout = "2006-01-02 15:04:05"

	// maxErrorBody bounds how much of a failed response ends up in an error.
	maxErrorBody = 512
)

// Client is a read-only LiteLLM admin client.
type Client struct {
	baseURL   string
	masterKey string
	hc        *http.Client
	breaker   *resilience.Breaker
	now       func() time.Time
}

// NewClient returns a client for the proxy at baseURL.
func NewClient(baseURL, masterKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		hc:        &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}
}

// SetBreaker routes every call through b.
func (c *Client) SetBreaker(b *resilience.Breaker) { c.breaker = b }

// Name returns "litellm".
func (c *Client) Name() string { return sourceName }

// Health probes the liveliness endpoint.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.get(ctx, "/health/liveliness")
	return err == nil, err
}

// StatusError is a non-2xx admin API response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("litellm: status %d: %s", e.Status, e.Body)
}

// retryable reports whether the proxy may answer differently later.
func (e *StatusError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	call := func() (err error) {
		body, err = c.fetch(ctx, path)
		return err
	}
	if c.breaker == nil {
		return body, call()
	}
	if err := c.breaker.Execute(call); err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%s: %w", sourceName, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, path, domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Status: resp.StatusCode, Body: string(snippet)}
		if se.retryable() {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransient, se)
		}
		return nil, se
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", path, domain.ErrTransient, err)
	}
	return data, nil
}

// spendLogsPath builds the spend log query for one LiteLLM user over [since, until].
func spendLogsPath(userID string, since, until time.Time) string {
	q := url.Values{
		"user_id":    {userID},
		"start_date": {since.UTC().Format(timeLayout)},
		"end_date":   {until.UTC().Format(timeLayout)},
	}
	return "/spend/logs?" + q.Encode()
}
