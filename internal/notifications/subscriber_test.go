package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []domain.LinkNotification
	done chan struct{}
	want int
}

func (h *recordingHandler) HandleLinkNotification(_ context.Context, n domain.LinkNotification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, n)
	if len(h.seen) == h.want {
		close(h.done)
	}
	if n.Operation == "explode" {
		return errors.New("boom")
	}
	return nil
}

func TestBuildURL(t *testing.T) {
	s := NewSubscriber("https://spacedust.example/", []atproto.DID{"did:plc:alice"}, &recordingHandler{}, slog.Default(),
		WithSources(atproto.EdgeLike, atproto.EdgeReplyParent))

	raw, err := s.buildURL()
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	require.Equal(t, "wss", u.Scheme)
	require.Equal(t, "/subscribe", u.Path)
	q := u.Query()
	require.Equal(t, []string{"app.bsky.feed.like:subject.uri", "app.bsky.feed.post:reply.parent.uri"}, q["wantedSources"])
	require.Equal(t, []string{"did:plc:alice"}, q["wantedSubjectDids"])
	require.Equal(t, []string{"at://did:plc:alice"}, q["wantedSubjects"])
	require.Equal(t, "true", q.Get("instant"))
}

func TestSubscriberDeliversLinks(t *testing.T) {
	frames := []string{
		`{"kind":"link","origin":"live","link":{"operation":"create","source":"app.bsky.feed.like:subject.uri",
			"source_record":"at://did:plc:bob/app.bsky.feed.like/3kl","source_rev":"3kr",
			"subject":"at://did:plc:alice/app.bsky.feed.post/3kp"}}`,
		`{"kind":"other"}`,
		`not json`,
		`{"kind":"link","origin":"live","link":{"operation":"explode","source":"weird:path",
			"source_record":"at://did:plc:bob/app.bsky.feed.like/3kx","source_rev":"3kr","subject":"did:plc:alice"}}`,
		`{"kind":"link","origin":"live","link":{"operation":"delete","source":"app.bsky.graph.follow:subject",
			"source_record":"at://did:plc:bob/app.bsky.graph.follow/3kf","source_rev":"3kr","subject":"did:plc:alice"}}`,
	}

	queries := make(chan url.Values, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case queries <- r.URL.Query():
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	handler := &recordingHandler{done: make(chan struct{}), want: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub := NewSubscriber(srv.URL, []atproto.DID{"did:plc:alice"}, handler, logger,
		WithReconnectDelay(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- sub.Start(ctx) }()

	select {
	case <-handler.done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}
	cancel()
	select {
	case err := <-stopped:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	require.Equal(t, "true", (<-queries).Get("instant"))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.seen, 3)
	require.Equal(t, domain.LinkNotification{
		Operation:    "create",
		Source:       "app.bsky.feed.like:subject.uri",
		SourceRecord: "at://did:plc:bob/app.bsky.feed.like/3kl",
		SourceRev:    "3kr",
		Subject:      "at://did:plc:alice/app.bsky.feed.post/3kp",
	}, handler.seen[0])
	require.Equal(t, "delete", handler.seen[2].Operation)
}
