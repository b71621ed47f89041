// Package client talks to the admission API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/runrecorder/internal/store"
)

var (
	// ErrObjectNotFound is wrapped by the *HTTPError of a 404 response.
	ErrObjectNotFound = errors.New("object not found")

	// ErrMalformedResponse means a 2xx body lacked the fields it must carry.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSlotsUnavailable is returned by Increment when a limit is full.
	ErrSlotsUnavailable = errors.New("concurrency slots unavailable")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("request failed: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("request failed: %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap maps 404 to ErrObjectNotFound and 423 to ErrSlotsUnavailable.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrObjectNotFound
	case http.StatusLocked:
		return ErrSlotsUnavailable
	}
	return nil
}

// IsNotFound reports whether err came from a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// Client is an admission API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateLimit creates (or, under the upsert policy, updates) a limit.
func (c *Client) CreateLimit(ctx context.Context, tag string, capacity int) (store.ConcurrencyLimit, error) {
	var lim store.ConcurrencyLimit
	body := map[string]any{"tag": tag, "concurrency_limit": capacity}
	if err := c.do(ctx, http.MethodPost, "/concurrency_limits/", body, &lim); err != nil {
		return store.ConcurrencyLimit{}, err
	}
	if lim.ID == uuid.Nil {
		return store.ConcurrencyLimit{}, fmt.Errorf("create limit %q: %w", tag, ErrMalformedResponse)
	}
	return lim, nil
}

// ReadLimit reads a limit by tag.
func (c *Client) ReadLimit(ctx context.Context, tag string) (store.ConcurrencyLimit, error) {
	var lim store.ConcurrencyLimit
	if err := c.do(ctx, http.MethodGet, tagPath(tag), nil, &lim); err != nil {
		return store.ConcurrencyLimit{}, err
	}
	if lim.ID == uuid.Nil {
		return store.ConcurrencyLimit{}, fmt.Errorf("read limit %q: %w", tag, ErrMalformedResponse)
	}
	return lim, nil
}

// ListLimits pages through limits in creation order, oldest first.
func (c *Client) ListLimits(ctx context.Context, limit, offset int) ([]store.ConcurrencyLimit, error) {
	var out []store.ConcurrencyLimit
	body := map[string]any{"limit": limit, "offset": offset}
	if err := c.do(ctx, http.MethodPost, "/concurrency_limits/filter", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetLimit replaces the active slots of a limit. A nil override clears them.
func (c *Client) ResetLimit(ctx context.Context, tag string, override []string) (store.ConcurrencyLimit, error) {
	var lim store.ConcurrencyLimit
	body := map[string]any{"slot_override": override}
	if err := c.do(ctx, http.MethodPost, tagPath(tag)+"/reset", body, &lim); err != nil {
		return store.ConcurrencyLimit{}, err
	}
	return lim, nil
}

// DeleteLimit deletes a limit.
func (c *Client) DeleteLimit(ctx context.Context, tag string) error {
	return c.do(ctx, http.MethodDelete, tagPath(tag), nil, nil)
}

// ListReleases returns the most recent slot releases of tag, newest first.
func (c *Client) ListReleases(ctx context.Context, tag string, limit int) ([]store.SlotRelease, error) {
	path := tagPath(tag) + "/releases"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []store.SlotRelease
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Increment takes a slot on every tag for holder. A full limit returns an
// error matching ErrSlotsUnavailable.
func (c *Client) Increment(ctx context.Context, tags []string, holder string) ([]store.ConcurrencyLimit, error) {
	var out []store.ConcurrencyLimit
	body := map[string]any{"names": tags, "task_run_id": holder}
	if err := c.do(ctx, http.MethodPost, "/concurrency_limits/increment", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrement releases holder's slot on every tag.
func (c *Client) Decrement(ctx context.Context, tags []string, holder string, occupancySeconds float64) ([]store.ConcurrencyLimit, error) {
	var out []store.ConcurrencyLimit
	body := map[string]any{"names": tags, "task_run_id": holder, "occupancy_seconds": occupancySeconds}
	if err := c.do(ctx, http.MethodPost, "/concurrency_limits/decrement", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func tagPath(tag string) string {
	return "/concurrency_limits/tag/" + url.PathEscape(tag)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			herr.Detail = detail.Detail
		}
		return herr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrMalformedResponse, err)
	}
	return nil
}
