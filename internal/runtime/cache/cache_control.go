package cache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective holds the Cache-Control directives a private client
// cache acts on. Shared-cache directives (s-maxage, private, public) are not
// relevant on the device and are ignored.
type CacheControlDirective struct {
	MaxAge    *int
	NoCache   bool
	NoStore   bool
	Immutable bool
}

// ParseCacheControl parses a Cache-Control response header. Directive names are
// case-insensitive, values may be quoted, and unknown directives are skipped.
func ParseCacheControl(header string) CacheControlDirective {
	var directive CacheControlDirective
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "max-age":
			if !hasValue {
				continue
			}
			if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
				directive.MaxAge = &seconds
			}
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "immutable":
			directive.Immutable = true
		}
	}
	return directive
}

// Lifetime converts the directive into a freshness lifetime. The boolean is
// false when the header carries nothing usable, so callers fall back to their
// configured TTL. no-store and no-cache both yield a zero lifetime: the
// payload is still written, but only cache-first lookups will reuse it.
func (d CacheControlDirective) Lifetime() (time.Duration, bool) {
	if d.NoStore || d.NoCache {
		return 0, true
	}
	if d.MaxAge != nil {
		return time.Duration(*d.MaxAge) * time.Second, true
	}
	return 0, false
}
