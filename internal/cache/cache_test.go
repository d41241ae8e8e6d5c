package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *memStore) Scan(_ context.Context, prefix string, fn func(string, []byte) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = s.data[k]
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func TestGetSet(t *testing.T) {
	c := New[string]("test")
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", "alpha")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "alpha", v)

	c.Set("a", "again")
	v, _ = c.Get("a")
	require.Equal(t, "again", v)
	require.Equal(t, 1, c.Len())
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	ttl := time.Minute
	c := New[int]("ttl", WithTTL(ttl), WithClock(clock.Now))

	c.Set("k", 1)
	clock.Advance(ttl)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v)

	clock.Advance(time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int]("lru", WithCapacity(2))
	c.Set("a", 1)
	c.Set("b", 2)

	// touch a so b becomes the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	require.Equal(t, 2, c.Len())
	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestAwaitValueResolvesAllWaiters(t *testing.T) {
	c := New[string]("await")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan string, 2)
	var ready sync.WaitGroup
	for i := 0; i < 2; i++ {
		ready.Add(1)
		go func() {
			ready.Done()
			v, err := c.AwaitValue(ctx, "did:plc:alice")
			if err == nil {
				results <- v
			}
		}()
	}
	ready.Wait()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters["did:plc:alice"]) == 2
	}, time.Second, time.Millisecond)

	c.Set("did:plc:alice", "https://pds.example")

	require.Equal(t, "https://pds.example", <-results)
	require.Equal(t, "https://pds.example", <-results)
}

func TestAwaitValueHonoursContext(t *testing.T) {
	c := New[string]("await")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AwaitValue(ctx, "missing")
	require.ErrorIs(t, err, context.Canceled)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.waiters)
}

func TestGetOrFetchSharesOneFetch(t *testing.T) {
	c := New[string]("flight")
	var fetches atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (string, error) {
		fetches.Add(1)
		<-release
		return "did:plc:resolved", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "alice.example", fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), fetches.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "did:plc:resolved", results[i])
	}

	v, ok := c.Get("alice.example")
	require.True(t, ok)
	require.Equal(t, "did:plc:resolved", v)
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	c := New[string]("flight")
	boom := errors.New("boom")
	calls := 0

	_, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, calls)
}

func TestGetOrFetchWakesAwaiters(t *testing.T) {
	c := New[int]("flight")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan int, 1)
	go func() {
		v, err := c.AwaitValue(ctx, "n")
		if err == nil {
			got <- v
		}
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters["n"]) == 1
	}, time.Second, time.Millisecond)

	v, err := c.GetOrFetch(ctx, "n", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 42, <-got)
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := newFakeClock()

	c := New[string]("docs", WithStore(store, "resolveDidDoc"), WithClock(clock.Now), WithTTL(time.Hour))
	c.Set("did:plc:alice", "https://pds.alice")
	c.Set("did:plc:bob", "https://pds.bob")
	require.NoError(t, c.Flush(ctx))

	raw, ok := store.get("resolveDidDoc%did:plc:alice")
	require.True(t, ok)
	var pe persistedEntry
	require.NoError(t, json.Unmarshal(raw, &pe))
	require.NotNil(t, pe.AddedAt)
	require.Equal(t, clock.Now().UnixMilli(), *pe.AddedAt)
	c.Close()

	restored := New[string]("docs", WithStore(store, "resolveDidDoc"), WithClock(clock.Now), WithTTL(time.Hour))
	defer restored.Close()
	require.NoError(t, restored.Restore(ctx))

	v, ok := restored.Get("did:plc:bob")
	require.True(t, ok)
	require.Equal(t, "https://pds.bob", v)
}

func TestRestoreSkipsExpiredAndToleratesLegacyEntries(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := newFakeClock()

	old := clock.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Put(ctx, "p%old", []byte(`{"value":"stale","addedAt":`+itoa(old)+`}`)))
	require.NoError(t, store.Put(ctx, "p%nots", []byte(`{"value":"no timestamp"}`)))
	require.NoError(t, store.Put(ctx, "p%bare", []byte(`"bare value"`)))
	require.NoError(t, store.Put(ctx, "p%broken", []byte(`{`)))
	require.NoError(t, store.Put(ctx, "other%x", []byte(`{"value":"elsewhere"}`)))

	c := New[string]("legacy", WithStore(store, "p"), WithClock(clock.Now), WithTTL(time.Hour))
	defer c.Close()
	require.NoError(t, c.Restore(ctx))

	_, ok := c.Get("old")
	require.False(t, ok)
	v, ok := c.Get("nots")
	require.True(t, ok)
	require.Equal(t, "no timestamp", v)
	v, ok = c.Get("bare")
	require.True(t, ok)
	require.Equal(t, "bare value", v)
	_, ok = c.Get("x")
	require.False(t, ok)

	// legacy entries count as inserted at restore time
	clock.Advance(59 * time.Minute)
	_, ok = c.Get("nots")
	require.True(t, ok)
	clock.Advance(2 * time.Minute)
	_, ok = c.Get("nots")
	require.False(t, ok)

	require.NoError(t, c.Flush(ctx))
	_, ok = store.get("p%old")
	require.False(t, ok, "expired snapshot entry is removed")
}

func TestDeleteAndClearRemovePersistedState(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New[int]("del", WithStore(store, "n"))
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	require.NoError(t, store.Put(ctx, "keep%a", []byte(`{"value":1}`)))
	require.NoError(t, c.Flush(ctx))

	c.Delete("a")
	require.NoError(t, c.Flush(ctx))
	_, ok := store.get("n%a")
	require.False(t, ok)
	_, ok = store.get("n%b")
	require.True(t, ok)

	c.Clear()
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 0, c.Len())
	_, ok = store.get("n%b")
	require.False(t, ok)
	_, ok = store.get("keep%a")
	require.True(t, ok)
}

func TestConcurrentSetAndDeleteKeepSnapshotInStep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New[int]("race", WithStore(store, "r"))
	defer c.Close()

	for i := range 200 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Set("k", i)
		}()
		go func() {
			defer wg.Done()
			c.Delete("k")
		}()
		wg.Wait()

		require.NoError(t, c.Flush(ctx))
		_, inMemory := c.Get("k")
		_, persisted := store.get("r%k")
		require.Equal(t, inMemory, persisted, "iteration %d", i)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
