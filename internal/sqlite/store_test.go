package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scanAll(t *testing.T, s *Store, prefix string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, s.Scan(context.Background(), prefix, func(key string, value []byte) error {
		out[key] = string(value)
		return nil
	}))
	return out
}

func TestKV(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "records%at://a", []byte("1")))
	require.NoError(t, s.Put(ctx, "records%at://b", []byte("2")))
	require.NoError(t, s.Put(ctx, "records_x", []byte("3")))
	require.NoError(t, s.Put(ctx, "handles%alice", []byte("4")))
	require.NoError(t, s.Put(ctx, "records%at://a", []byte("5")))

	require.Equal(t, map[string]string{
		"records%at://a": "5",
		"records%at://b": "2",
	}, scanAll(t, s, "records%"))

	require.NoError(t, s.Delete(ctx, "records%at://b"))
	require.NoError(t, s.Delete(ctx, "missing"))
	require.Len(t, scanAll(t, s, "records%"), 1)

	require.NoError(t, s.DeletePrefix(ctx, "records%"))
	require.Empty(t, scanAll(t, s, "records%"))
	require.Equal(t, map[string]string{"records_x": "3"}, scanAll(t, s, "records_"))
	require.Len(t, scanAll(t, s, ""), 2)
}

func TestScanStopsOnError(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "b", []byte("2")))

	stop := errors.New("stop")
	calls := 0
	err := s.Scan(ctx, "", func(string, []byte) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	s, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.Zero(t, cursor)

	require.NoError(t, s.UpdateCursor(ctx, "jetstream", 100))
	require.NoError(t, s.UpdateCursor(ctx, "jetstream", 200))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	cursor, err = reopened.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.Equal(t, int64(200), cursor)
}
