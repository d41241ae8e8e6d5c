package cache

import (
	"io"
	"log/slog"
	"time"
)

// Option configures a Cache.
type Option func(*options)

type options struct {
	capacity     int
	ttl          time.Duration
	fetchTimeout time.Duration
	store        Store
	prefix       string
	now          func() time.Time
	logger       *slog.Logger
}

func defaultOptions() options {
	return options{
		capacity:     1000,
		fetchTimeout: 30 * time.Second,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithCapacity bounds the number of entries; the least recently used entry is
// evicted first. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithTTL expires entries d after insertion. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithFetchTimeout bounds each GetOrFetch fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithStore persists entries to store under keys "prefix%key".
func WithStore(store Store, prefix string) Option {
	return func(o *options) {
		o.store = store
		o.prefix = prefix
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
