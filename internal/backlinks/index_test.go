package backlinks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

const (
	alice atproto.DID = "did:plc:alice"
	bob   atproto.DID = "did:plc:bob"
	carol atproto.DID = "did:plc:carol"
)

var subject = "at://did:plc:alice/app.bsky.feed.post/3kabc2222222a"

func like(did atproto.DID, rkey string) atproto.Backlink {
	return atproto.Backlink{DID: did, Collection: atproto.CollectionLike, RKey: rkey}
}

func TestAddIsIdempotent(t *testing.T) {
	once := NewIndex()
	twice := NewIndex()
	links := []atproto.Backlink{like(bob, "3kb"), like(carol, "3kc"), like(bob, "3ka")}

	once.Add(subject, atproto.EdgeLike, links...)
	twice.Add(subject, atproto.EdgeLike, links...)
	twice.Add(subject, atproto.EdgeLike, links...)

	require.Equal(t, once.links, twice.links)
	require.Equal(t, once.byRecord, twice.byRecord)
	require.Equal(t, 3, twice.Count(subject, atproto.EdgeLike))
}

func TestFindByIsSortedPerActor(t *testing.T) {
	x := NewIndex()
	x.Add(subject, atproto.EdgeLike, like(bob, "3kc"), like(bob, "3ka"), like(carol, "3kb"))

	require.Equal(t, []atproto.Backlink{like(bob, "3ka"), like(bob, "3kc")}, x.FindBy(subject, atproto.EdgeLike, bob))
	require.Nil(t, x.FindBy(subject, atproto.EdgeLike, alice))
	require.Nil(t, x.FindBy(subject, atproto.EdgeRepost, bob))

	require.True(t, x.Has(subject, atproto.EdgeLike, carol))
	require.False(t, x.Has(subject, atproto.EdgeRepost, carol))
	require.Equal(t, []atproto.DID{bob, carol}, x.Actors(subject, atproto.EdgeLike))
	require.Equal(t,
		[]atproto.Backlink{like(bob, "3ka"), like(bob, "3kc"), like(carol, "3kb")},
		x.All(subject, atproto.EdgeLike))
}

func TestRemovePrunesEmptyLevels(t *testing.T) {
	x := NewIndex()
	x.Add(subject, atproto.EdgeLike, like(bob, "3ka"))

	// unknown tuples are ignored
	x.Remove(subject, atproto.EdgeLike, like(carol, "3kz"))
	x.Remove("at://did:plc:nobody/app.bsky.feed.post/x", atproto.EdgeLike, like(bob, "3ka"))
	require.Equal(t, 1, x.Count(subject, atproto.EdgeLike))

	x.Remove(subject, atproto.EdgeLike, like(bob, "3ka"))
	require.Zero(t, x.Count(subject, atproto.EdgeLike))
	require.Empty(t, x.links)
	require.Empty(t, x.byRecord)
}

func TestRemoveRecordUsesReverseLookup(t *testing.T) {
	x := NewIndex()
	parent := "at://did:plc:alice/app.bsky.feed.post/parent"
	root := "at://did:plc:alice/app.bsky.feed.post/root"
	reply := atproto.Backlink{DID: bob, Collection: atproto.CollectionPost, RKey: "3kreply"}

	x.Add(parent, atproto.EdgeReplyParent, reply)
	x.Add(root, atproto.EdgeReplyRoot, reply)

	subjects := x.RemoveRecord(reply)
	require.Equal(t, []string{parent, root}, subjects)
	require.False(t, x.Has(parent, atproto.EdgeReplyParent, bob))
	require.False(t, x.Has(root, atproto.EdgeReplyRoot, bob))
	require.Empty(t, x.RemoveRecord(reply))
}

func TestBlockRelationship(t *testing.T) {
	x := NewIndex()
	block := atproto.Backlink{DID: alice, Collection: atproto.CollectionBlock, RKey: "3kblock"}
	x.Add(string(bob), atproto.EdgeBlock, block)

	require.True(t, x.IsBlockedBy(bob, alice))
	require.False(t, x.IsBlockedBy(alice, bob))

	require.Equal(t, BlockRelationship{Blocks: true}, x.GetBlockRelationship(alice, bob))
	require.Equal(t, BlockRelationship{BlockedBy: true}, x.GetBlockRelationship(bob, alice))
	require.True(t, x.HasBlockRelationship(bob, alice))
	require.False(t, x.HasBlockRelationship(alice, carol))

	x.RemoveRecord(block)
	require.False(t, x.HasBlockRelationship(alice, bob))
}
