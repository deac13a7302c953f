// Package companymatch provides the client for the external company-matching
// API: given an occupation code and an area, it returns establishments likely
// to host an immersion for that occupation. The API is rate limited and
// paginated; the client throttles, retries and drains pagination before
// returning a deduplicated candidate list.
package companymatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/resilience"
)

// DefaultMaxPages bounds pagination draining against a misbehaving API
// that keeps inflating totalCount.
const DefaultMaxPages = 20

// DefaultPageSize is the page size requested from the API.
const DefaultPageSize = 100

// userAgent identifies the pipeline to external providers.
const userAgent = "sourcing-cli/1.0"

// Client fetches candidate establishments for an occupation around a position.
type Client interface {
	FetchCandidates(ctx context.Context, occupationCode string, pos geo.Point, radiusKm float64) ([]model.CandidateEstablishment, error)
}

// companyRecord is the wire format of one matched company.
type companyRecord struct {
	Siret                 string  `json:"siret"`
	Name                  string  `json:"name"`
	Address               string  `json:"address"`
	Lat                   float64 `json:"lat"`
	Lon                   float64 `json:"lon"`
	IndustryCode          string  `json:"naf"`
	EmployeeRange         string  `json:"employee_range"`
	MatchedOccupationCode string  `json:"matched_rome"`
	RelevanceScore        float64 `json:"score"`
}

// searchResponse is the wire format of one result page.
type searchResponse struct {
	Items      []companyRecord `json:"items"`
	TotalCount int             `json:"total_count"`
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithLimiter sets the shared rate-limit permit pool. Pass the same limiter
// to every client hitting the provider so the process-wide budget holds.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *client) { c.limiter = l }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *client) { c.retry = cfg }
}

// WithPageSize sets the page size requested from the API.
func WithPageSize(n int) Option {
	return func(c *client) { c.pageSize = n }
}

// WithMaxPages sets the hard pagination ceiling.
func WithMaxPages(n int) Option {
	return func(c *client) { c.maxPages = n }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *client) { c.apiKey = key }
}

type client struct {
	baseURL    string
	provider   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	pageSize   int
	maxPages   int
}

// NewClient creates a matching-API client. provider tags the candidates'
// data source ("api_<provider>").
func NewClient(baseURL, provider string, opts ...Option) Client {
	c := &client{
		baseURL:    baseURL,
		provider:   provider,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(1, 1),
		retry:      resilience.DefaultRetryConfig(),
		pageSize:   DefaultPageSize,
		maxPages:   DefaultMaxPages,
	}
	c.retry.OnRetry = resilience.RetryLogger(provider, "search_companies")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCandidates drains all result pages for the query, bounded by the
// page ceiling, and returns candidates deduplicated by siret (first
// occurrence wins; the API legitimately repeats a company under several
// matched sub-codes).
func (c *client) FetchCandidates(ctx context.Context, occupationCode string, pos geo.Point, radiusKm float64) ([]model.CandidateEstablishment, error) {
	log := zap.L().With(
		zap.String("provider", c.provider),
		zap.String("occupation_code", occupationCode),
	)

	var accumulated []companyRecord
	totalCount := -1

	for page := 1; page <= c.maxPages; page++ {
		resp, err := c.fetchPage(ctx, occupationCode, pos, radiusKm, page)
		if err != nil {
			return nil, err
		}
		accumulated = append(accumulated, resp.Items...)
		totalCount = resp.TotalCount

		if len(accumulated) >= totalCount || len(resp.Items) == 0 {
			break
		}
		if page == c.maxPages {
			log.Warn("pagination ceiling reached before draining all results",
				zap.Int("max_pages", c.maxPages),
				zap.Int("accumulated", len(accumulated)),
				zap.Int("total_count", totalCount),
			)
		}
	}

	candidates := dedupeBySiret(accumulated, c.provider)
	if dropped := len(accumulated) - len(candidates); dropped > 0 {
		log.Debug("dropped duplicate sirets from API response", zap.Int("dropped", dropped))
	}
	return candidates, nil
}

// fetchPage issues one physical page request behind a rate-limit permit,
// retrying transient failures.
func (c *client) fetchPage(ctx context.Context, occupationCode string, pos geo.Point, radiusKm float64, page int) (*searchResponse, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*searchResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "companymatch: acquire rate permit")
		}
		return c.doPageRequest(ctx, occupationCode, pos, radiusKm, page)
	})
}

func (c *client) doPageRequest(ctx context.Context, occupationCode string, pos geo.Point, radiusKm float64, page int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("rome", occupationCode)
	q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(pos.Lon, 'f', -1, 64))
	q.Set("radius_km", strconv.FormatFloat(radiusKm, 'f', -1, 64))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/search-companies?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "companymatch: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "companymatch: request failed"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.New(fmt.Sprintf("companymatch: status %d: %s", resp.StatusCode, string(body)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Malformed payload is fatal, not retriable.
		return nil, eris.Wrap(err, "companymatch: decode response")
	}
	return &parsed, nil
}

// dedupeBySiret keeps the first record per siret and converts to the
// domain candidate type.
func dedupeBySiret(records []companyRecord, provider string) []model.CandidateEstablishment {
	seen := make(map[string]bool, len(records))
	candidates := make([]model.CandidateEstablishment, 0, len(records))
	for _, r := range records {
		if seen[r.Siret] {
			continue
		}
		seen[r.Siret] = true
		candidates = append(candidates, model.CandidateEstablishment{
			Siret:           r.Siret,
			Name:            r.Name,
			Address:         r.Address,
			Position:        geo.Point{Lat: r.Lat, Lon: r.Lon},
			IndustryCode:    r.IndustryCode,
			EmployeeRange:   r.EmployeeRange,
			RelevanceScore:  r.RelevanceScore,
			OccupationCodes: []string{r.MatchedOccupationCode},
			DataSource:      model.APISource(provider),
		})
	}
	return candidates
}
