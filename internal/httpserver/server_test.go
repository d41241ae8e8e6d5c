package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/backlinks"
	"github.com/blackmichael/bluesky-threads/internal/config"
	"github.com/blackmichael/bluesky-threads/internal/domain"
	"github.com/blackmichael/bluesky-threads/internal/posts"
)

const (
	alice atproto.DID = "did:plc:alice"
	bob   atproto.DID = "did:plc:bob"
	carol atproto.DID = "did:plc:carol"
)

// offlineFetcher resolves nothing; the tests only serve what was ingested.
type offlineFetcher struct {
	domain.RecordFetcher
}

func (offlineFetcher) ResolveHandle(context.Context, string) (atproto.DID, error) {
	return "", domain.ErrNotFound
}

type nopCursors struct{}

func (nopCursors) GetCursor(context.Context, string) (int64, error)  { return 0, nil }
func (nopCursors) UpdateCursor(context.Context, string, int64) error { return nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	links := backlinks.NewIndex()
	store := posts.NewStore(links)
	svc := domain.NewFeedService(store, links, offlineFetcher{}, nopCursors{}, logger)

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()
	commit := func(did atproto.DID, collection string, at time.Time, record any) {
		raw, err := json.Marshal(record)
		require.NoError(t, err)
		_, err = svc.HandleCommit(ctx, domain.Commit{
			DID:        did,
			Operation:  domain.OperationCreate,
			Collection: collection,
			RKey:       atproto.NewTID(at, 0).String(),
			CID:        "bafy",
			Record:     raw,
		})
		require.NoError(t, err)
	}
	post := func(text string, at time.Time) atproto.PostRecord {
		return atproto.PostRecord{Type: atproto.CollectionPost, Text: text, CreatedAt: at.Format(time.RFC3339)}
	}

	svc.Track(alice)
	commit(alice, atproto.CollectionFollow, base.Add(-time.Minute), atproto.ActorRecord{
		Type: atproto.CollectionFollow, Subject: bob, CreatedAt: base.Format(time.RFC3339),
	})
	commit(alice, atproto.CollectionPost, base, post("hello", base))
	commit(bob, atproto.CollectionPost, base.Add(time.Minute), post("hi", base.Add(time.Minute)))
	commit(bob, atproto.CollectionBlock, base.Add(3*time.Minute), atproto.ActorRecord{
		Type: atproto.CollectionBlock, Subject: carol, CreatedAt: base.Format(time.RFC3339),
	})

	cfg := config.Default()
	return NewServer(cfg, svc, logger).Handler()
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestGetThreads(t *testing.T) {
	h := newTestServer(t)

	status, body := get(t, h, "/xrpc/blue.threads.getThreads?actor=did:plc:alice")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(alice), body["viewer"])
	require.Len(t, body["threads"], 2)

	status, body = get(t, h, "/xrpc/blue.threads.getThreads?actor=did:plc:alice&ownPostsOnly=true")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["threads"], 1)

	status, body = get(t, h, "/xrpc/blue.threads.getThreads?actor=did:plc:alice&limit=1")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["threads"], 1)
}

func TestGetThreadsRejectsBadParams(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		target string
		status int
		errTag string
	}{
		{"/xrpc/blue.threads.getThreads", http.StatusBadRequest, "InvalidRequest"},
		{"/xrpc/blue.threads.getThreads?actor=did:plc:alice&limit=0", http.StatusBadRequest, "InvalidRequest"},
		{"/xrpc/blue.threads.getThreads?actor=did:plc:alice&limit=nope", http.StatusBadRequest, "InvalidRequest"},
		{"/xrpc/blue.threads.getThreads?actor=did:plc:alice&hideReplies=maybe", http.StatusBadRequest, "InvalidRequest"},
		{"/xrpc/blue.threads.getThreads?actor=nobody.test", http.StatusNotFound, "ActorNotFound"},
		{"/xrpc/blue.threads.getFollowing?actor=did:plc:alice&sort=loudest", http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			status, body := get(t, h, tt.target)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.errTag, body["error"])
		})
	}
}

func TestGetFollowing(t *testing.T) {
	h := newTestServer(t)

	status, body := get(t, h, "/xrpc/blue.threads.getFollowing?actor=did:plc:alice&sort=active")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "active", body["sort"])

	following, ok := body["following"].([]any)
	require.True(t, ok)
	require.Len(t, following, 1)
	require.Equal(t, string(bob), following[0].(map[string]any)["did"])

	status, body = get(t, h, "/xrpc/blue.threads.getFollowing?actor=did:plc:carol")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["following"])
}

func TestGetInteractionScores(t *testing.T) {
	h := newTestServer(t)

	status, body := get(t, h, "/xrpc/blue.threads.getInteractionScores?actor=did:plc:alice")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "scores")
}

func TestGetBlockRelationship(t *testing.T) {
	h := newTestServer(t)

	status, body := get(t, h, "/xrpc/blue.threads.getBlockRelationship?actor=did:plc:carol&other=did:plc:bob")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, map[string]any{"blocks": false, "blockedBy": true}, body["relationship"])

	status, _ = get(t, h, "/xrpc/blue.threads.getBlockRelationship?actor=did:plc:carol")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t)

	status, body := get(t, h, "/health")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 2, body["posts"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bluesky_threads_http_request_duration_seconds")
}
