package cache

import (
	"strings"
	"time"
)

// TTLPolicy decides how long a freshly fetched payload stays fresh.
type TTLPolicy struct {
	// Default applies when neither the request nor the response says otherwise.
	Default time.Duration
	// Max caps every lifetime. Zero disables the ceiling.
	Max time.Duration
	// FollowCacheControl lets the upstream Cache-Control header win over the
	// request and default lifetimes.
	FollowCacheControl bool
}

// Effective resolves the lifetime for one payload.
//
// Precedence, highest first:
//  1. Cache-Control from the response, when FollowCacheControl is set
//  2. the TTL carried on the request
//  3. Default
//
// The result is then capped by Max.
func (p TTLPolicy) Effective(requestTTL time.Duration, headers map[string]string) time.Duration {
	ttl := p.Default
	if requestTTL > 0 {
		ttl = requestTTL
	}
	if p.FollowCacheControl {
		if header, ok := lookupHeader(headers, "cache-control"); ok {
			if lifetime, ok := ParseCacheControl(header).Lifetime(); ok {
				ttl = lifetime
			}
		}
	}
	if ttl < 0 {
		ttl = 0
	}
	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	return ttl
}

// ExpiresAt applies Effective to a store time.
func (p TTLPolicy) ExpiresAt(storedAt time.Time, requestTTL time.Duration, headers map[string]string) time.Time {
	return storedAt.Add(p.Effective(requestTTL, headers))
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if value, ok := headers[name]; ok {
		return value, true
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}
