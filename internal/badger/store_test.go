package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestKV(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "records%at://a", []byte("1")))
	require.NoError(t, s.Put(ctx, "records%at://b", []byte("2")))
	require.NoError(t, s.Put(ctx, "handles%alice", []byte("3")))

	var keys []string
	require.NoError(t, s.Scan(ctx, "records%", func(key string, value []byte) error {
		keys = append(keys, key+"="+string(value))
		return nil
	}))
	require.Equal(t, []string{"records%at://a=1", "records%at://b=2"}, keys)

	require.NoError(t, s.Delete(ctx, "records%at://a"))
	require.NoError(t, s.DeletePrefix(ctx, "records%"))

	keys = nil
	require.NoError(t, s.Scan(ctx, "", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"handles%alice"}, keys)
}

func TestCursorsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	cursor, err := s.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.Zero(t, cursor)
	require.NoError(t, s.UpdateCursor(ctx, "jetstream", 1725911162329308))
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	cursor, err = s.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.Equal(t, int64(1725911162329308), cursor)

	var seen int
	require.NoError(t, s.Scan(ctx, "k", func(string, []byte) error {
		seen++
		return nil
	}))
	require.Equal(t, 1, seen)
}
