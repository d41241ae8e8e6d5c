// Package cache provides a capacity-bounded, TTL-bounded LRU cache with a
// persisted snapshot and single-flight fetches.
//
// Multiple call sites often ask for the same uncached key at once (two views
// resolving the same actor, say). GetOrFetch tracks at most one fetch per key;
// concurrent callers join it and receive its result. AwaitValue lets a caller
// wait for whichever caller sets the key next.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluesky_threads_cache_requests_total",
		Help: "Cache lookups by cache name and result (hit, miss, expired)",
	}, []string{"cache", "result"})

	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluesky_threads_cache_evictions_total",
		Help: "Cache evictions by cache name and reason (capacity, ttl)",
	}, []string{"cache", "reason"})

	cacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bluesky_threads_cache_fetches_total",
		Help: "Fetches issued on cache misses by cache name and result",
	}, []string{"cache", "result"})
)

// FetchFunc loads the value for a key on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Cache is a generic LRU cache with per-entry TTL. It is safe for concurrent
// use.
type Cache[V any] struct {
	name    string
	options options

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	waiters map[string][]chan V

	flight  singleflight.Group
	persist *persister
}

// New creates a cache. name labels its metrics and log lines.
func New[V any](name string, opts ...Option) *Cache[V] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		name:    name,
		options: o,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		waiters: make(map[string][]chan V),
	}
	if o.store != nil {
		c.persist = newPersister(o.store, o.logger.With("cache", name))
	}
	return c
}

// Get returns the value for key from memory. Expired entries are absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		cacheRequests.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}

	e := el.Value.(*entry[V])
	if c.expired(e) {
		c.removeElement(el)
		c.enqueueDelete(key)
		cacheRequests.WithLabelValues(c.name, "expired").Inc()
		cacheEvictions.WithLabelValues(c.name, "ttl").Inc()
		return zero, false
	}

	c.lru.MoveToFront(el)
	cacheRequests.WithLabelValues(c.name, "hit").Inc()
	return e.value, true
}

// Has reports whether a live entry exists for key without touching recency.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	return ok && !c.expired(el.Value.(*entry[V]))
}

// Set stores value under key, wakes every AwaitValue caller waiting on key
// and queues a persisted write. It never waits on storage.
func (c *Cache[V]) Set(key string, value V) {
	now := c.options.now()

	var data []byte
	if c.persist != nil {
		var err error
		if data, err = encodeEntry(value, now); err != nil {
			c.options.logger.Warn("cache entry not persisted", "cache", c.name, "key", key, "error", err)
		}
	}

	// the put is queued under c.mu so it stays ordered with Delete and Clear
	c.mu.Lock()
	c.insert(key, value, now)
	if data != nil {
		c.persist.enqueue(persistOp{kind: opPut, key: c.prefixed(key), data: data})
	}
	waiting := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- value
	}
}

// AwaitValue blocks until the next Set for key, from any caller, or until ctx
// is done. Callers that may find the value already cached should check Get
// first.
func (c *Cache[V]) AwaitValue(ctx context.Context, key string) (V, error) {
	ch := make(chan V, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.removeWaiter(key, ch)
		c.mu.Unlock()

		// a Set may have raced the cancellation
		select {
		case v := <-ch:
			return v, nil
		default:
		}
		var zero V
		return zero, ctx.Err()
	}
}

// GetOrFetch returns the cached value for key, or joins the in-flight fetch
// for key, or starts one. A successful fetch is Set. Cancelling ctx abandons
// this caller's wait only; the fetch continues for the others.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if c.options.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.options.fetchTimeout)
			defer cancel()
		}

		// a Set may have landed between the miss and winning the flight
		if v, ok := c.peek(key); ok {
			return v, nil
		}

		v, err := fetch(fetchCtx)
		if err != nil {
			cacheFetches.WithLabelValues(c.name, "error").Inc()
			return nil, err
		}
		cacheFetches.WithLabelValues(c.name, "ok").Inc()
		c.Set(key, v)
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("%s fetch %q: %w", c.name, key, res.Err)
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Delete removes key from memory and from the persisted snapshot.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	c.enqueueDelete(key)
}

// Clear removes every entry from memory and from the persisted snapshot.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	if c.persist != nil {
		c.persist.enqueue(persistOp{kind: opDeletePrefix, key: c.prefixed("")})
	}
	c.mu.Unlock()
}

// Len returns the number of entries held in memory, including expired ones
// not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Restore loads the persisted snapshot into memory. Expired and undecodable
// entries are skipped; entries without an insertion time count as inserted
// now.
func (c *Cache[V]) Restore(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}

	prefix := c.prefixed("")
	now := c.options.now()
	var restored, skipped int

	err := c.persist.store.Scan(ctx, prefix, func(key string, data []byte) error {
		value, addedAt, err := decodeEntry[V](data)
		if err != nil {
			c.options.logger.Warn("skipping invalid persisted entry", "cache", c.name, "key", key, "error", err)
			skipped++
			return nil
		}
		if addedAt.IsZero() {
			addedAt = now
		}
		if c.options.ttl > 0 && now.Sub(addedAt) > c.options.ttl {
			c.persist.enqueue(persistOp{kind: opDelete, key: key})
			skipped++
			return nil
		}

		c.mu.Lock()
		c.insert(key[len(prefix):], value, addedAt)
		c.mu.Unlock()
		restored++
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore %s cache: %w", c.name, err)
	}

	c.options.logger.Debug("cache restored", "cache", c.name, "restored", restored, "skipped", skipped)
	return nil
}

// Flush waits until every queued persisted write has been applied.
func (c *Cache[V]) Flush(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	return c.persist.flush(ctx)
}

// Close flushes pending writes and stops the background writer.
func (c *Cache[V]) Close() {
	if c.persist != nil {
		c.persist.close()
	}
}

func (c *Cache[V]) peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e) {
		return zero, false
	}
	return e.value, true
}

// insert must be called with c.mu held.
func (c *Cache[V]) insert(key string, value V, insertedAt time.Time) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.insertedAt = insertedAt
		c.lru.MoveToFront(el)
		return
	}

	c.entries[key] = c.lru.PushFront(&entry[V]{key: key, value: value, insertedAt: insertedAt})

	for c.options.capacity > 0 && c.lru.Len() > c.options.capacity {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*entry[V]).key
		c.removeElement(oldest)
		c.enqueueDelete(evicted)
		cacheEvictions.WithLabelValues(c.name, "capacity").Inc()
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[V])
	delete(c.entries, e.key)
	c.lru.Remove(el)
}

func (c *Cache[V]) removeWaiter(key string, ch chan V) {
	waiting := c.waiters[key]
	for i, w := range waiting {
		if w == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(c.waiters, key)
		return
	}
	c.waiters[key] = waiting
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.options.ttl > 0 && c.options.now().Sub(e.insertedAt) > c.options.ttl
}

func (c *Cache[V]) enqueueDelete(key string) {
	if c.persist != nil {
		c.persist.enqueue(persistOp{kind: opDelete, key: c.prefixed(key)})
	}
}

func (c *Cache[V]) prefixed(key string) string {
	return c.options.prefix + "%" + key
}

// persistedEntry is the stored form of an entry. AddedAt is unix millis and
// may be absent in snapshots written before it existed.
type persistedEntry struct {
	Value   json.RawMessage `json:"value"`
	AddedAt *int64          `json:"addedAt,omitempty"`
}

func encodeEntry[V any](value V, addedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	millis := addedAt.UnixMilli()
	return json.Marshal(persistedEntry{Value: raw, AddedAt: &millis})
}

func decodeEntry[V any](data []byte) (V, time.Time, error) {
	var value V

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err == nil {
		if raw, ok := fields["value"]; ok {
			var pe persistedEntry
			if err := json.Unmarshal(data, &pe); err != nil {
				return value, time.Time{}, fmt.Errorf("unmarshal entry: %w", err)
			}
			if err := json.Unmarshal(raw, &value); err != nil {
				return value, time.Time{}, fmt.Errorf("unmarshal value: %w", err)
			}
			var addedAt time.Time
			if pe.AddedAt != nil {
				addedAt = time.UnixMilli(*pe.AddedAt)
			}
			return value, addedAt, nil
		}
	}

	// bare value from a snapshot without the entry wrapper
	if err := json.Unmarshal(data, &value); err != nil {
		return value, time.Time{}, fmt.Errorf("unmarshal legacy value: %w", err)
	}
	return value, time.Time{}, nil
}
