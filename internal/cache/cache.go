// Package cache holds query results shared by the CLI and the watcher.
// Entries are refreshed on expiry, on explicit invalidation after a
// state-changing operation, and by background pollers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpu-rental/rentalctl/internal/metrics"
)

// Key names a cached query
type Key string

// Well-known keys
const (
	KeySessions Key = "sessions"
	KeyBalance  Key = "balance"
	KeyGPUs     Key = "gpus"
	KeyStatus   Key = "status"
)

// DefaultTTL is how long a fetched value is served without refetching
const DefaultTTL = 30 * time.Second

// ErrUnknownKey is returned for keys without a registered fetcher
var ErrUnknownKey = errors.New("no fetcher registered for cache key")

// Fetcher loads the current value for a key
type Fetcher func(ctx context.Context) (interface{}, error)

type entry struct {
	value     interface{}
	err       error
	fetchedAt time.Time
	expiresAt time.Time
}

// Store is a TTL cache keyed by query name
type Store struct {
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	fetchers map[Key]Fetcher
	entries  map[Key]*entry
}

// Option configures the store
type Option func(*Store)

// WithTTL sets how long values stay fresh
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Store) {
		s.now = fn
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		logger:   slog.Default(),
		ttl:      DefaultTTL,
		now:      time.Now,
		fetchers: make(map[Key]Fetcher),
		entries:  make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register sets the fetcher for key, dropping any cached value
func (s *Store) Register(key Key, fetch Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[key] = fetch
	delete(s.entries, key)
}

// Get returns the cached value for key, fetching it when missing or expired.
// Fetch errors are cached for the TTL as well.
func (s *Store) Get(ctx context.Context, key Key) (interface{}, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && s.now().Before(e.expiresAt) {
		return e.value, e.err
	}
	return s.Refresh(ctx, key)
}

// Refresh fetches key now and stores the result
func (s *Store) Refresh(ctx context.Context, key Key) (interface{}, error) {
	s.mu.RLock()
	fetch, ok := s.fetchers[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	value, err := fetch(ctx)
	metrics.RecordCacheRefresh(string(key), err)
	if err != nil && ctx.Err() != nil {
		// a cancelled caller says nothing about the backend
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	s.entries[key] = &entry{
		value:     value,
		err:       err,
		fetchedAt: now,
		expiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.DebugContext(ctx, "cache refresh failed",
			slog.String("key", string(key)),
			slog.String("error", err.Error()))
	}
	return value, err
}

// Invalidate marks keys stale and refetches the registered ones.
// Refetch failures are logged and never returned; the stale entry is simply gone.
func (s *Store) Invalidate(ctx context.Context, keys ...Key) {
	for _, key := range keys {
		metrics.RecordCacheInvalidation(string(key))

		s.mu.Lock()
		delete(s.entries, key)
		_, registered := s.fetchers[key]
		s.mu.Unlock()

		if !registered {
			continue
		}
		if _, err := s.Refresh(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "cache refetch after invalidation failed",
				slog.String("key", string(key)),
				slog.String("error", err.Error()))
		}
	}
}

// Peek returns the cached value without fetching
func (s *Store) Peek(key Key) (value interface{}, fetchedAt time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.err != nil {
		return nil, time.Time{}, false
	}
	return e.value, e.fetchedAt, true
}

// Load is a typed Get
func Load[T any](ctx context.Context, s *Store, key Key) (T, error) {
	var zero T
	v, err := s.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %s holds %T, not %T", key, v, zero)
	}
	return typed, nil
}
