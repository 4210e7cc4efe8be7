package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	r := NewRateLimiter(3)
	require.True(t, r.Allow("1.2.3.4"))
	require.True(t, r.Allow("1.2.3.4"))
	require.True(t, r.Allow("1.2.3.4"))
	require.False(t, r.Allow("1.2.3.4"))
}

func TestRateLimiterTracksPeersIndependently(t *testing.T) {
	r := NewRateLimiter(1)
	require.True(t, r.Allow("1.2.3.4"))
	require.False(t, r.Allow("1.2.3.4"))
	require.True(t, r.Allow("5.6.7.8"))
}

func TestRateLimiterDefaultsWhenLimitNonPositive(t *testing.T) {
	r := NewRateLimiter(0)
	require.Equal(t, 200, r.limit)
}
