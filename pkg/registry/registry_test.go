package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cap-immersion/sourcing-cli/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestGetBySiret_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/establishments/12345678901234", r.URL.Path)
		json.NewEncoder(w).Encode(Record{
			Siret:         "12345678901234",
			IndustryCode:  "1071C",
			EmployeeRange: "10-19",
			IsActive:      true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithRetryConfig(fastRetry()))
	record, err := c.GetBySiret(context.Background(), "12345678901234")
	require.NoError(t, err)
	assert.Equal(t, "1071C", record.IndustryCode)
	assert.Equal(t, "10-19", record.EmployeeRange)
	assert.True(t, record.IsActive)
}

func TestGetBySiret_NotFound(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithRetryConfig(fastRetry()))
	_, err := c.GetBySiret(context.Background(), "00000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, calls, "404 must not be retried")
}

func TestGetBySiret_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Record{Siret: "12345678901234", IndustryCode: "6201Z", IsActive: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithRetryConfig(fastRetry()))
	record, err := c.GetBySiret(context.Background(), "12345678901234")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "6201Z", record.IndustryCode)
}
