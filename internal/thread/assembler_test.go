package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/backlinks"
	"github.com/blackmichael/bluesky-threads/internal/posts"
)

const (
	viewer atproto.DID = "did:plc:viewer"
	alice  atproto.DID = "did:plc:alice"
	bob    atproto.DID = "did:plc:bob"
	carol  atproto.DID = "did:plc:carol"
)

type postMap map[atproto.URI]atproto.Post

func (m postMap) Get(uri atproto.URI) (atproto.Post, bool) {
	p, ok := m[uri]
	return p, ok
}

func (m postMap) ParentOf(uri atproto.URI) (atproto.URI, bool) {
	p, ok := m[uri]
	if !ok {
		return atproto.URI{}, false
	}
	return p.ParentURI()
}

func (m postMap) add(posts ...atproto.Post) []atproto.URI {
	uris := make([]atproto.URI, 0, len(posts))
	for _, p := range posts {
		m[p.URI] = p
		uris = append(uris, p.URI)
	}
	return uris
}

func day(y int, mo time.Month, d int) time.Time {
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func topLevel(did atproto.DID, at time.Time) atproto.Post {
	return atproto.Post{
		URI:    atproto.NewURI(did, atproto.CollectionPost, atproto.NewTID(at, 0).String()),
		Record: atproto.PostRecord{Text: "post", CreatedAt: at.Format(time.RFC3339)},
	}
}

func reply(did atproto.DID, at time.Time, parent atproto.Post) atproto.Post {
	p := topLevel(did, at)
	p.Record.Reply = &atproto.ReplyRef{
		Root:   atproto.StrongRef{URI: parent.RootURI().String()},
		Parent: atproto.StrongRef{URI: parent.URI.String()},
	}
	return p
}

func chain(did atproto.DID, start atproto.Post, n int) []atproto.Post {
	out := make([]atproto.Post, 0, n)
	prev := start
	for i := 1; i <= n; i++ {
		p := reply(did, start.ActivityTime().Add(time.Duration(i)*time.Hour), prev)
		out = append(out, p)
		prev = p
	}
	return out
}

func uris(t Thread) []atproto.URI {
	out := make([]atproto.URI, 0, len(t.Posts))
	for _, p := range t.Posts {
		out = append(out, p.Post.URI)
	}
	return out
}

func depths(t Thread) []int {
	out := make([]int, 0, len(t.Posts))
	for _, p := range t.Posts {
		out = append(out, p.Depth)
	}
	return out
}

func TestLinearConversationIsOneThread(t *testing.T) {
	posts := postMap{}
	root := topLevel(alice, day(2023, 1, 1))
	first := reply(bob, day(2023, 1, 2), root)
	second := reply(alice, day(2023, 1, 3), first)
	other := topLevel(carol, day(2023, 1, 4))
	timeline := posts.add(second, root, other, first)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 2)

	require.Equal(t, []atproto.URI{other.URI}, uris(threads[0]))

	conv := threads[1]
	require.Equal(t, root.URI, conv.RootURI)
	require.Equal(t, []atproto.URI{root.URI, first.URI, second.URI}, uris(conv))
	require.Equal(t, []int{0, 1, 2}, depths(conv))
	require.Nil(t, conv.BranchParent)
	require.Equal(t, second.ActivityTime(), conv.NewestTime)
}

func TestBranchesBecomeSeparateThreads(t *testing.T) {
	posts := postMap{}
	r := topLevel(alice, day(2022, 12, 31))
	a := reply(bob, day(2023, 1, 1), r)
	b := reply(carol, day(2023, 1, 2), r)
	aDesc := chain(bob, a, 3)
	bDesc := chain(carol, b, 3)

	timeline := posts.add(r, a, b)
	timeline = append(timeline, posts.add(aDesc...)...)
	timeline = append(timeline, posts.add(bDesc...)...)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 2)

	// b's branch has the newest activity
	bThread, aThread := threads[0], threads[1]

	require.Nil(t, aThread.BranchParent)
	require.Equal(t,
		[]atproto.URI{r.URI, a.URI, aDesc[0].URI, aDesc[1].URI, aDesc[2].URI},
		uris(aThread))
	require.Equal(t, []int{0, 1, 2, 3, 4}, depths(aThread))

	require.NotNil(t, bThread.BranchParent)
	require.Equal(t, r.URI, bThread.BranchParent.Post.URI)
	require.Equal(t,
		[]atproto.URI{b.URI, bDesc[0].URI, bDesc[1].URI, bDesc[2].URI},
		uris(bThread))
	require.Equal(t, []int{0, 1, 2, 3}, depths(bThread))

	require.Equal(t, r.URI, aThread.RootURI)
	require.Equal(t, r.URI, bThread.RootURI)
}

func TestNestedBranchesAreRebased(t *testing.T) {
	posts := postMap{}
	r := topLevel(alice, day(2023, 1, 1))
	a := reply(bob, day(2023, 1, 2), r)
	a1 := reply(carol, day(2023, 1, 3), a)
	a2 := reply(alice, day(2023, 1, 4), a)
	a2x := reply(bob, day(2023, 1, 5), a2)
	timeline := posts.add(r, a, a1, a2, a2x)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 2)

	require.Equal(t, []atproto.URI{a2.URI, a2x.URI}, uris(threads[0]))
	require.Equal(t, []int{0, 1}, depths(threads[0]))
	require.Equal(t, a.URI, threads[0].BranchParent.Post.URI)

	require.Equal(t, []atproto.URI{r.URI, a.URI, a1.URI}, uris(threads[1]))

	seen := map[atproto.URI]int{}
	for _, th := range threads {
		minDepth := th.Posts[0].Depth
		for _, p := range th.Posts {
			minDepth = min(minDepth, p.Depth)
			seen[p.Post.URI]++
		}
		require.Zero(t, minDepth)
	}
	require.Len(t, seen, 5, "every post is emitted")
	for uri, n := range seen {
		require.Equal(t, 1, n, "%s emitted once", uri)
	}
}

func TestMissingRootLeavesOrphanThreads(t *testing.T) {
	posts := postMap{}
	root := topLevel(alice, day(2023, 1, 1)) // never loaded
	x := reply(bob, day(2023, 1, 2), root)
	y := reply(carol, day(2023, 1, 3), root)
	timeline := posts.add(x, y)
	timeline = append(timeline, root.URI)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 2)
	for _, th := range threads {
		require.Nil(t, th.BranchParent)
		require.Equal(t, root.URI, th.RootURI)
		require.Equal(t, []int{0}, depths(th))
	}
	require.Equal(t, y.URI, threads[0].Posts[0].Post.URI)
}

func TestAncestorsOutsideTimelineKeepDepth(t *testing.T) {
	posts := postMap{}
	root := topLevel(alice, day(2023, 1, 1))
	middle := reply(bob, day(2023, 1, 2), root)
	leaf := reply(carol, day(2023, 1, 3), middle)
	timeline := posts.add(root, leaf)
	posts.add(middle)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 1)
	require.Equal(t, []atproto.URI{root.URI, leaf.URI}, uris(threads[0]))
	require.Equal(t, []int{0, 2}, depths(threads[0]))
}

func TestDeletedMiddlePostKeepsConversationTogether(t *testing.T) {
	links := backlinks.NewIndex()
	store := posts.NewStore(links)
	root := topLevel(alice, day(2023, 1, 1))
	middle := reply(bob, day(2023, 1, 2), root)
	leaf := reply(carol, day(2023, 1, 3), middle)
	store.AddPosts(root, middle, leaf)
	require.True(t, store.DeletePost(middle.URI))
	require.Equal(t, posts.Deleted, store.Lookup(middle.URI))

	threads := NewAssembler(store, links).BuildThreads(viewer, []atproto.URI{root.URI, leaf.URI}, nil)
	require.Len(t, threads, 1)
	require.Equal(t, []atproto.URI{root.URI, leaf.URI}, uris(threads[0]))
	require.Equal(t, []int{0, 2}, depths(threads[0]))
	require.Nil(t, threads[0].BranchParent)
}

func TestEqualTimestampsBreakTiesByRKey(t *testing.T) {
	posts := postMap{}
	at := day(2023, 1, 1)
	root := topLevel(alice, at)
	mk := func(did atproto.DID, rkey string) atproto.Post {
		p := reply(did, at.Add(time.Hour), root)
		p.URI = atproto.NewURI(did, atproto.CollectionPost, rkey)
		return p
	}
	second := mk(bob, "zzz")
	first := mk(carol, "aaa")
	timeline := posts.add(root, second, first)

	threads := NewAssembler(posts, nil).BuildThreads(viewer, timeline, nil)
	require.Len(t, threads, 2)
	for _, th := range threads {
		if th.BranchParent == nil {
			require.Equal(t, []atproto.URI{root.URI, first.URI}, uris(th))
		} else {
			require.Equal(t, []atproto.URI{second.URI}, uris(th))
		}
	}
}

func TestFilters(t *testing.T) {
	posts := postMap{}
	mine := topLevel(viewer, day(2023, 1, 1))
	myReply := reply(viewer, day(2023, 1, 2), mine)
	theirs := topLevel(alice, day(2023, 1, 3))
	theirReply := reply(bob, day(2023, 1, 4), theirs)
	missing := topLevel(carol, day(2023, 1, 1))
	dangling := reply(bob, day(2023, 1, 5), missing)
	timeline := posts.add(mine, myReply, theirs, theirReply, dangling)

	a := NewAssembler(posts, nil)
	accounts := []atproto.DID{viewer}

	t.Run("hide replies", func(t *testing.T) {
		threads := a.BuildThreadsFiltered(viewer, timeline, nil, FilterOptions{HideReplies: true}, 0)
		require.Len(t, threads, 2)
		for _, th := range threads {
			require.False(t, th.Posts[0].Post.IsReply())
		}
	})

	t.Run("own posts only", func(t *testing.T) {
		threads := a.BuildThreadsFiltered(viewer, timeline, nil,
			FilterOptions{OwnPostsOnly: true, Accounts: accounts}, 0)
		require.Len(t, threads, 1)
		require.Equal(t, []atproto.URI{mine.URI, myReply.URI}, uris(threads[0]))
	})

	t.Run("root actors", func(t *testing.T) {
		threads := a.BuildThreadsFiltered(viewer, timeline, nil,
			FilterOptions{RootActors: []atproto.DID{alice}, Accounts: accounts}, 0)
		require.Len(t, threads, 2)
		require.Equal(t, theirs.URI, threads[0].RootURI)
		require.Equal(t, mine.URI, threads[1].RootURI)
	})
}

func TestLimitKeepsNewest(t *testing.T) {
	posts := postMap{}
	var timeline []atproto.URI
	for i := 1; i <= 5; i++ {
		timeline = append(timeline, posts.add(topLevel(alice, day(2023, 1, i)))...)
	}
	// an older conversation with fresh activity must still outrank older ones
	old := topLevel(bob, day(2022, 6, 1))
	fresh := reply(carol, day(2023, 2, 1), old)
	timeline = append(timeline, posts.add(old, fresh)...)

	threads := NewAssembler(posts, nil).BuildThreadsFiltered(viewer, timeline, nil, FilterOptions{}, 2)
	require.Len(t, threads, 2)
	require.Equal(t, old.URI, threads[0].RootURI)
	require.Equal(t, day(2023, 1, 5), threads[1].NewestTime)
}

func TestBlockedAndMutedFlags(t *testing.T) {
	posts := postMap{}
	links := backlinks.NewIndex()
	links.Add(string(viewer), atproto.EdgeBlock,
		atproto.Backlink{DID: alice, Collection: atproto.CollectionBlock, RKey: "3kblock"})

	root := topLevel(alice, day(2023, 1, 1))
	r1 := reply(bob, day(2023, 1, 2), root)
	r2 := reply(viewer, day(2023, 1, 3), r1)
	timeline := posts.add(root, r1, r2)
	timeline = append(timeline, root.URI, atproto.NewURI(carol, atproto.CollectionPost, "unknown"))

	threads := NewAssembler(posts, links).BuildThreads(viewer, timeline, []atproto.DID{bob})
	require.Len(t, threads, 1)
	got := threads[0].Posts
	require.Len(t, got, 3)

	require.True(t, got[0].Blocked)
	require.False(t, got[0].Muted)
	require.False(t, got[1].Blocked)
	require.True(t, got[1].Muted)
	require.False(t, got[2].Blocked)
	require.False(t, got[2].Muted)
}
