package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by backends and the manager once storage has been
// released.
var ErrClosed = errors.New("cache: storage closed")

// Entry is the persisted form of a raw response. Payload is opaque; the
// remaining fields are metadata used for freshness and accounting.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Payload     []byte            `json:"payload"`
	StatusCode  int               `json:"statusCode"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	StoredAt    time.Time         `json:"storedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Size        int64             `json:"size"`
}

// Expired reports whether the entry is stale at now. Entries without an expiry
// never go stale.
func (e Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// Store is the storage boundary behind the manager. Store must replace the
// entry for a key atomically: readers observe either the previous entry or the
// new one, never a partial write.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Expired lists keys whose entries are stale at now. Backends that expire
	// entries on their own may return nothing.
	Expired(ctx context.Context, now time.Time) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Payload != nil {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
