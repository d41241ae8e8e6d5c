package atproto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("at://did:plc:alice/app.bsky.feed.post/3l3qo2vuowo2b")
	require.NoError(t, err)
	require.Equal(t, DID("did:plc:alice"), u.DID)
	require.Equal(t, CollectionPost, u.Collection)
	require.Equal(t, "3l3qo2vuowo2b", u.RKey)
	require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3l3qo2vuowo2b", u.String())

	for _, bad := range []string{
		"",
		"https://bsky.app/profile/alice",
		"at://did:plc:alice",
		"at://did:plc:alice/app.bsky.feed.post",
		"at://did:plc:alice/app.bsky.feed.post/",
		"at://did:plc:alice/app.bsky.feed.post/a/b",
	} {
		_, err := ParseURI(bad)
		require.ErrorIs(t, err, ErrInvalidURI, bad)
	}
}

func TestDIDFromURI(t *testing.T) {
	did, ok := DIDFromURI("at://did:plc:bob/app.bsky.feed.post/abc")
	require.True(t, ok)
	require.Equal(t, DID("did:plc:bob"), did)

	did, ok = DIDFromURI("at://did:plc:bob")
	require.True(t, ok)
	require.Equal(t, DID("did:plc:bob"), did)

	_, ok = DIDFromURI("did:plc:bob")
	require.False(t, ok)
}

func TestURIJSON(t *testing.T) {
	in := Post{URI: MustParseURI("at://did:plc:a/app.bsky.feed.post/x")}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"uri":"at://did:plc:a/app.bsky.feed.post/x"`)

	var out Post
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in.URI, out.URI)
}

func TestTIDRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123000, time.UTC)
	tid := NewTID(ts, 7)
	s := tid.String()
	require.Len(t, s, 13)

	parsed, err := ParseTID(s)
	require.NoError(t, err)
	require.Equal(t, tid, parsed)
	require.Equal(t, ts.UnixMicro(), parsed.Micros())
	require.True(t, parsed.Time().Equal(ts))
}

func TestTIDSortsByTime(t *testing.T) {
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := NewTID(base, 0).String()
	later := NewTID(base.Add(time.Millisecond), 0).String()
	require.Less(t, earlier, later)
}

func TestParseTIDRejectsInvalid(t *testing.T) {
	for _, bad := range []string{"", "self", "3l3qo2vuowo2", "zzzzzzzzzzzzz", "3l3qo2vuowo2!"} {
		_, err := ParseTID(bad)
		require.ErrorIs(t, err, ErrInvalidTID, bad)
	}
}

func TestTimestampFromCursor(t *testing.T) {
	_, ok := TimestampFromCursor("")
	require.False(t, ok)
	_, ok = TimestampFromCursor("not-a-tid")
	require.False(t, ok)

	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	micros, ok := TimestampFromCursor(NewTID(ts, 1).String())
	require.True(t, ok)
	require.Equal(t, ts.UnixMicro(), micros)
}

func TestRecordTimeFallsBackToCreatedAt(t *testing.T) {
	got, ok := RecordTime("self", "2024-01-02T03:04:05.000Z")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got.UTC())

	_, ok = RecordTime("self", "yesterday")
	require.False(t, ok)
}

func TestPostRootAndParent(t *testing.T) {
	root := MustParseURI("at://did:plc:a/app.bsky.feed.post/root")
	reply := Post{
		URI: MustParseURI("at://did:plc:b/app.bsky.feed.post/reply"),
		Record: PostRecord{Reply: &ReplyRef{
			Root:   StrongRef{URI: root.String()},
			Parent: StrongRef{URI: root.String()},
		}},
	}
	require.True(t, reply.IsReply())
	require.Equal(t, root, reply.RootURI())
	parent, ok := reply.ParentURI()
	require.True(t, ok)
	require.Equal(t, root, parent)

	top := Post{URI: root}
	require.False(t, top.IsReply())
	require.Equal(t, root, top.RootURI())
}

func TestEdgeKindSubject(t *testing.T) {
	like := json.RawMessage(`{"$type":"app.bsky.feed.like","subject":{"uri":"at://did:plc:a/app.bsky.feed.post/1","cid":"c"},"createdAt":"2024-01-01T00:00:00Z"}`)
	subject, ok, err := EdgeLike.Subject(like)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at://did:plc:a/app.bsky.feed.post/1", subject)

	block := json.RawMessage(`{"subject":"did:plc:z","createdAt":"2024-01-01T00:00:00Z"}`)
	subject, ok, err = EdgeBlock.Subject(block)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "did:plc:z", subject)

	quote := json.RawMessage(`{"text":"hi","createdAt":"2024-01-01T00:00:00Z","embed":{"$type":"app.bsky.embed.recordWithMedia","record":{"record":{"uri":"at://did:plc:q/app.bsky.feed.post/2","cid":"c"}},"media":{}}}`)
	subject, ok, err = EdgeQuote.Subject(quote)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at://did:plc:q/app.bsky.feed.post/2", subject)

	_, ok, err = EdgeReplyParent.Subject(quote)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = EdgeKind{Collection: "app.example.thing", Path: "x"}.Subject(like)
	require.ErrorIs(t, err, ErrUnknownEdgeKind)
}

func TestParseEdgeKind(t *testing.T) {
	k, err := ParseEdgeKind("app.bsky.feed.repost:subject.uri")
	require.NoError(t, err)
	require.Equal(t, EdgeRepost, k)
	require.Equal(t, "app.bsky.feed.repost:subject.uri", k.String())

	_, err = ParseEdgeKind("app.bsky.feed.repost")
	require.ErrorIs(t, err, ErrUnknownEdgeKind)
	_, err = ParseEdgeKind("app.example.thing:subject")
	require.ErrorIs(t, err, ErrUnknownEdgeKind)

	require.ElementsMatch(t, []EdgeKind{EdgeReplyParent, EdgeReplyRoot, EdgeQuote}, KindsForCollection(CollectionPost))
}
