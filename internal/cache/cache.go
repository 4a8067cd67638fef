package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// TTL is how long a search result stays valid after it was written.
const TTL = 30 * time.Minute

var ErrMiss = errors.New("cache miss")

// Entry is a cached search API response.
type Entry struct {
	Key       string
	Payload   []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Key generates a cache key from the search endpoint and the outgoing query.
// url.Values.Encode sorts by parameter name, so equal queries hash equally.
func Key(endpoint string, query url.Values) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{'?'})
	h.Write([]byte(query.Encode()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SearchCache stores raw search responses. Get never returns an expired payload.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, payload []byte) error
}

// Store is the persistence a SQLCache writes through.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (*Entry, error)
	PutCacheEntry(ctx context.Context, e Entry) error
}

// SQLCache keeps entries in the application database and checks expiry on read.
type SQLCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type SQLOption func(*SQLCache)

// WithClock replaces time.Now for expiry stamping and checks.
func WithClock(now func() time.Time) SQLOption {
	return func(c *SQLCache) { c.now = now }
}

// NewSQL creates a cache over store with the default TTL.
func NewSQL(store Store, opts ...SQLOption) *SQLCache {
	c := &SQLCache{store: store, ttl: TTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SQLCache) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Expired(c.now()) {
		return nil, ErrMiss
	}
	return e.Payload, nil
}

func (c *SQLCache) Put(ctx context.Context, key string, payload []byte) error {
	return c.store.PutCacheEntry(ctx, Entry{
		Key:       key,
		Payload:   payload,
		ExpiresAt: c.now().Add(c.ttl),
	})
}
