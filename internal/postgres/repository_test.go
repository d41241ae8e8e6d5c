package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Runs against a real database when BLUESKY_THREADS_TEST_DATABASE_URL is set.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("BLUESKY_THREADS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BLUESKY_THREADS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	r, err := NewRepository(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = r.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE 'test:%'`)
		_, _ = r.db.ExecContext(ctx, `DELETE FROM cursors WHERE service LIKE 'test:%'`)
		r.Close()
	})
	return r
}

func TestRepositoryKV(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "test:records%a", []byte("1")))
	require.NoError(t, r.Put(ctx, "test:records%b", []byte("2")))
	require.NoError(t, r.Put(ctx, "test:records%a", []byte("3")))
	require.NoError(t, r.Put(ctx, "test:handles%x", []byte("4")))

	got := map[string]string{}
	require.NoError(t, r.Scan(ctx, "test:records%", func(key string, value []byte) error {
		got[key] = string(value)
		return nil
	}))
	require.Equal(t, map[string]string{"test:records%a": "3", "test:records%b": "2"}, got)

	require.NoError(t, r.DeletePrefix(ctx, "test:records%"))
	require.NoError(t, r.Delete(ctx, "test:handles%x"))

	count := 0
	require.NoError(t, r.Scan(ctx, "test:", func(string, []byte) error {
		count++
		return nil
	}))
	require.Zero(t, count)
}

func TestRepositoryCursors(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	cursor, err := r.GetCursor(ctx, "test:jetstream")
	require.NoError(t, err)
	require.Zero(t, cursor)

	require.NoError(t, r.UpdateCursor(ctx, "test:jetstream", 7))
	require.NoError(t, r.UpdateCursor(ctx, "test:jetstream", 9))
	cursor, err = r.GetCursor(ctx, "test:jetstream")
	require.NoError(t, err)
	require.Equal(t, int64(9), cursor)
}
