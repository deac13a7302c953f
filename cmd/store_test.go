package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cap-immersion/sourcing-cli/internal/config"
)

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "oracle"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_Memory(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "memory"}}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NoError(t, st.Close())
}

func TestRetryConfig_MapsSettings(t *testing.T) {
	cfg = &config.Config{Retry: config.RetryConfig{
		MaxAttempts:      5,
		InitialBackoffMs: 250,
		MaxBackoffMs:     30000,
		Multiplier:       1.5,
	}}

	rc := retryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 30*time.Second, rc.MaxBackoff)
	assert.InDelta(t, 1.5, rc.Multiplier, 1e-9)
}

func TestRetryConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg = &config.Config{}

	rc := retryConfig()
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, rc.InitialBackoff)
}
