package companymatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/resilience"
)

var paris = geo.Point{Lat: 48.8566, Lon: 2.3522}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func pageRecords(start, count int) []companyRecord {
	records := make([]companyRecord, count)
	for i := range records {
		records[i] = companyRecord{
			Siret:                 fmt.Sprintf("%014d", start+i),
			Name:                  fmt.Sprintf("Entreprise %d", start+i),
			MatchedOccupationCode: "F1111",
			RelevanceScore:        0.5,
		}
	}
	return records
}

func TestFetchCandidates_DrainsPagination(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		require.Equal(t, "F1111", r.URL.Query().Get("rome"))

		count := 100
		if page == 3 {
			count = 50
		}
		json.NewEncoder(w).Encode(searchResponse{
			Items:      pageRecords((page-1)*100, count),
			TotalCount: 250,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
	)

	candidates, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, candidates, 250)
	assert.Equal(t, "api_matchco", candidates[0].DataSource)
}

func TestFetchCandidates_DeduplicatesBySiret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{
			Items: []companyRecord{
				{Siret: "11111111111111", Name: "First", MatchedOccupationCode: "F1111", RelevanceScore: 0.9},
				{Siret: "22222222222222", Name: "Other", MatchedOccupationCode: "F1111"},
				{Siret: "11111111111111", Name: "Duplicate", MatchedOccupationCode: "F1112"},
			},
			TotalCount: 3,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
	)

	candidates, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	// First occurrence wins.
	assert.Equal(t, "First", candidates[0].Name)
	assert.Equal(t, []string{"F1111"}, candidates[0].OccupationCodes)
}

func TestFetchCandidates_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(searchResponse{Items: pageRecords(0, 1), TotalCount: 1})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
	)

	candidates, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, candidates, 1)
}

func TestFetchCandidates_FatalOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
	)

	_, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestFetchCandidates_PageCeilingBoundsDrain(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		// A misbehaving API that always claims more results exist.
		json.NewEncoder(w).Encode(searchResponse{
			Items:      pageRecords((page-1)*10, 10),
			TotalCount: 1_000_000,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
		WithMaxPages(5),
		WithPageSize(10),
	)

	candidates, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Len(t, candidates, 50)
}

func TestFetchCandidates_MalformedPayloadIsFatal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		fmt.Fprint(w, `{"items": not-json`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "matchco",
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryConfig(fastRetry()),
	)

	_, err := c.FetchCandidates(context.Background(), "F1111", paris, 50)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
