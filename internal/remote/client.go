// Package remote implements the HTTP client for the authoritative component
// catalogue. The client never retries on its own; callers route failures
// through the sync queue.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// Client talks to the remote catalogue over HTTP and satisfies
// types.RemoteStore.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	fetchConcurrency int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithFetchConcurrency bounds the catalogue fan-out.
func WithFetchConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.fetchConcurrency = n
		}
	}
}

// NewClient creates a catalogue client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{Timeout: 30 * time.Second},
		logger:           zap.NewNop(),
		fetchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues one request and decodes a JSON response body into out when out is
// non-nil. Non-2xx statuses become errors carrying the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("remote request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	logging.RemoteDebug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// ListComponentSummaries fetches the catalogue listing.
func (c *Client) ListComponentSummaries(ctx context.Context) ([]types.ComponentSummary, error) {
	var out []types.ComponentSummary
	if err := c.do(ctx, http.MethodGet, "/components", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetComponent fetches one full component by id.
func (c *Client) GetComponent(ctx context.Context, id string) (*types.Component, error) {
	var out types.Component
	if err := c.do(ctx, http.MethodGet, "/components/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAtomicComponent pushes a new atomic component to the catalogue.
func (c *Client) CreateAtomicComponent(ctx context.Context, dto types.AtomicComponentDTO) error {
	return c.do(ctx, http.MethodPost, "/components", dto, nil)
}

// UpdateComponent pushes updated fields for an existing component.
func (c *Client) UpdateComponent(ctx context.Context, id string, dto types.AtomicComponentDTO) error {
	return c.do(ctx, http.MethodPut, "/components/"+url.PathEscape(id), dto, nil)
}

// DeleteComponent removes a component from the catalogue.
func (c *Client) DeleteComponent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/components/"+url.PathEscape(id), nil, nil)
}

// ArchiveComponent marks a component archived on the catalogue.
func (c *Client) ArchiveComponent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/components/"+url.PathEscape(id)+"/archive", nil, nil)
}

// ApproveComponent marks a component approved on the catalogue.
func (c *Client) ApproveComponent(ctx context.Context, id, approvedBy string) error {
	body := map[string]string{"approvedBy": approvedBy}
	return c.do(ctx, http.MethodPost, "/components/"+url.PathEscape(id)+"/approve", body, nil)
}

// RecordUsage reports one measure's use of a component.
func (c *Client) RecordUsage(ctx context.Context, componentID, measureID string) error {
	body := map[string]string{"measureId": measureID}
	return c.do(ctx, http.MethodPost, "/components/"+url.PathEscape(componentID)+"/usage", body, nil)
}

// FetchCatalogue lists the catalogue then fetches every component with a
// bounded fan-out. Individual fetch failures abort the whole operation so the
// local store is never seeded with a partial catalogue.
func (c *Client) FetchCatalogue(ctx context.Context) ([]*types.Component, error) {
	timer := logging.StartTimer(logging.CategoryRemote, "FetchCatalogue")
	defer timer.Stop()

	summaries, err := c.ListComponentSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogue: %w", err)
	}
	logging.Remote("Fetching %d components from catalogue", len(summaries))

	var mu sync.Mutex
	components := make([]*types.Component, 0, len(summaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchConcurrency)
	for _, summary := range summaries {
		id := summary.ID
		g.Go(func() error {
			comp, err := c.GetComponent(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to fetch component %s: %w", id, err)
			}
			mu.Lock()
			components = append(components, comp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(components, func(i, j int) bool { return components[i].ID < components[j].ID })
	logging.Remote("Catalogue fetch complete: %d components", len(components))
	return components, nil
}
