package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveReadsEnvironment(t *testing.T) {
	t.Setenv(EnvURL, "https://gateway.example.com/")
	t.Setenv(EnvToken, "tok-123")
	t.Setenv(EnvModel, "assistant-large")
	t.Setenv(EnvTimeoutSeconds, "10")

	r := NewResolver()
	cfg, err := r.Resolve()
	require.NoError(t, err)
	require.Equal(t, "https://gateway.example.com", cfg.URL, "trailing slash is stripped")
	require.Equal(t, "tok-123", cfg.Token)
	require.Equal(t, "assistant-large", cfg.Model)
	require.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv(EnvURL, "https://gateway.example.com")
	t.Setenv(EnvToken, "tok-123")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvTimeoutSeconds, "")

	r := NewResolver()
	cfg, err := r.Resolve()
	require.NoError(t, err)
	require.Empty(t, cfg.Model)
	require.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestResolveIgnoresBadTimeout(t *testing.T) {
	t.Setenv(EnvURL, "https://gateway.example.com")
	t.Setenv(EnvToken, "tok-123")
	t.Setenv(EnvTimeoutSeconds, "not-a-number")

	r := NewResolver()
	cfg, err := r.Resolve()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestResolveUnconfigured(t *testing.T) {
	t.Setenv(EnvURL, "")
	t.Setenv(EnvToken, "")

	r := NewResolver()
	_, err := r.Resolve()
	require.ErrorIs(t, err, ErrNotConfigured)
	require.False(t, r.IsConfigured())
}

func TestResolveMemoizesUntilInvalidated(t *testing.T) {
	t.Setenv(EnvURL, "https://one.example.com")
	t.Setenv(EnvToken, "tok-1")

	r := NewResolver()
	cfg, err := r.Resolve()
	require.NoError(t, err)
	require.Equal(t, "https://one.example.com", cfg.URL)

	t.Setenv(EnvURL, "https://two.example.com")

	cfg, err = r.Resolve()
	require.NoError(t, err)
	require.Equal(t, "https://one.example.com", cfg.URL, "cached value survives env change")

	r.Invalidate()
	cfg, err = r.Resolve()
	require.NoError(t, err)
	require.Equal(t, "https://two.example.com", cfg.URL)
}

func TestUnconfiguredResultIsNotCached(t *testing.T) {
	t.Setenv(EnvURL, "")
	t.Setenv(EnvToken, "")

	r := NewResolver()
	require.False(t, r.IsConfigured())

	t.Setenv(EnvURL, "https://gateway.example.com")
	t.Setenv(EnvToken, "tok-123")

	// No Invalidate needed: a missing config is re-checked.
	require.True(t, r.IsConfigured())
}
