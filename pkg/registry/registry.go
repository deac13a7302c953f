// Package registry provides the lookup client for the national company
// registry. The registry is authoritative for legal attributes (industry
// code, employee bracket, active status); candidates without a registry
// record cannot be trusted and are dropped by the reconciler.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cap-immersion/sourcing-cli/internal/resilience"
)

// ErrNotFound is returned when no establishment exists for a siret.
var ErrNotFound = eris.New("registry: establishment not found")

// userAgent identifies the pipeline to the registry.
const userAgent = "sourcing-cli/1.0"

// Record holds the registry-authoritative attributes of an establishment.
type Record struct {
	Siret         string `json:"siret"`
	IndustryCode  string `json:"naf"`
	EmployeeRange string `json:"employee_range"`
	IsActive      bool   `json:"is_active"`
}

// Lookup resolves establishments by siret.
type Lookup interface {
	GetBySiret(ctx context.Context, siret string) (*Record, error)
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithLimiter sets the rate limiter. The registry has its own quota,
// separate from the matching API.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *client) { c.limiter = l }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *client) { c.retry = cfg }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *client) { c.apiKey = key }
}

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// NewClient creates a registry lookup client.
func NewClient(baseURL string, opts ...Option) Lookup {
	c := &client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
		retry:      resilience.DefaultRetryConfig(),
	}
	c.retry.OnRetry = resilience.RetryLogger("registry", "get_by_siret")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBySiret fetches the registry record for a siret. Returns ErrNotFound
// when the registry has no such establishment; that outcome is common and
// callers must not treat it as a transport failure.
func (c *client) GetBySiret(ctx context.Context, siret string) (*Record, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Record, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "registry: acquire rate permit")
		}
		return c.doRequest(ctx, siret)
	})
}

func (c *client) doRequest(ctx context.Context, siret string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/establishments/"+url.PathEscape(siret), nil)
	if err != nil {
		return nil, eris.Wrap(err, "registry: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "registry: request failed"), 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.New(fmt.Sprintf("registry: status %d: %s", resp.StatusCode, string(body)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, eris.Wrap(err, "registry: decode response")
	}
	return &record, nil
}
