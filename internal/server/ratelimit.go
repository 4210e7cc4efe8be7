// Package server wires the QUIC listener, per-connection frame
// assembler, and async writer into a running upload endpoint.
package server

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// rateLimitWindow and rateLimitExpiry mirror cppla-moto/controller/
// server.go's ipCache window (30s bucket, swept after 1m).
const (
	rateLimitWindow = 30 * time.Second
	rateLimitExpiry = time.Minute
)

// RateLimiter bounds how many new streams a single peer address may open
// per window, adapted from the teacher's per-IP WAF cache to per-peer
// stream-open accounting instead of per-connection accept accounting.
type RateLimiter struct {
	cache *cache.Cache
	limit int
}

// NewRateLimiter returns a limiter allowing at most limit stream-opens
// per peer per rateLimitWindow.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 200
	}
	return &RateLimiter{cache: cache.New(rateLimitWindow, rateLimitExpiry), limit: limit}
}

// Allow reports whether peerAddr may open another stream this window,
// incrementing its counter as a side effect.
func (r *RateLimiter) Allow(peerAddr string) bool {
	if count, found := r.cache.Get(peerAddr); found {
		n := count.(int)
		if n >= r.limit {
			return false
		}
		r.cache.Increment(peerAddr, 1)
		return true
	}
	r.cache.Set(peerAddr, 1, cache.DefaultExpiration)
	return true
}
