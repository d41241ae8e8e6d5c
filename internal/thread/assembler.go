package thread

import (
	"sort"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// PostSource resolves timeline URIs to posts. ParentOf must also answer for
// posts that are loaded but not in the timeline, and for deleted posts whose
// parent is still remembered.
type PostSource interface {
	Get(uri atproto.URI) (atproto.Post, bool)
	ParentOf(uri atproto.URI) (atproto.URI, bool)
}

// BlockChecker answers block queries between the viewer and post authors.
type BlockChecker interface {
	HasBlockRelationship(viewer, other atproto.DID) bool
}

// Assembler builds threads from the posts of a PostSource.
type Assembler struct {
	posts  PostSource
	blocks BlockChecker
}

// NewAssembler returns an Assembler. blocks may be nil, in which case no post
// is flagged as blocked.
func NewAssembler(posts PostSource, blocks BlockChecker) *Assembler {
	return &Assembler{posts: posts, blocks: blocks}
}

// BuildThreads assembles every thread in timeline, newest first.
func (a *Assembler) BuildThreads(viewer atproto.DID, timeline []atproto.URI, mutes []atproto.DID) []Thread {
	return a.BuildThreadsFiltered(viewer, timeline, mutes, FilterOptions{}, 0)
}

// BuildThreadsFiltered assembles the threads in timeline that pass opts,
// newest first. A positive limit caps the result; conversations are visited
// newest first so work stops once no remaining conversation can place a
// thread in the result.
func (a *Assembler) BuildThreadsFiltered(
	viewer atproto.DID,
	timeline []atproto.URI,
	mutes []atproto.DID,
	opts FilterOptions,
	limit int,
) []Thread {
	f := newFilter(opts)
	groups := a.groups(viewer, timeline, toSet(mutes))

	var out []Thread
	for _, g := range groups {
		if limit > 0 && len(out) >= limit {
			sortThreads(out)
			if g.newest.Before(out[limit-1].NewestTime) {
				break
			}
		}
		if f.opts.active() && !f.keepGroup(g) {
			continue
		}
		for _, t := range g.split() {
			if f.keepThread(t) {
				out = append(out, t)
			}
		}
	}

	sortThreads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type node struct {
	post     ThreadPost
	parent   *node
	children []*node
	depth    int

	// hops is the chain distance to parent, or to the last known ancestor
	// when parent is nil.
	hops int
}

// group is every timeline post sharing one conversation root.
type group struct {
	root        atproto.URI
	nodes       map[atproto.URI]*node
	newest      time.Time
	hasTopLevel bool
}

func (g *group) hasOwn(accounts didSet) bool {
	for _, n := range g.nodes {
		if accounts.has(n.post.DID) {
			return true
		}
	}
	return false
}

// groups resolves the timeline and buckets it by conversation root, newest
// conversation first. Unknown URIs are skipped.
func (a *Assembler) groups(viewer atproto.DID, timeline []atproto.URI, muted didSet) []*group {
	byRoot := make(map[atproto.URI]*group)
	for _, uri := range timeline {
		p, ok := a.posts.Get(uri)
		if !ok {
			continue
		}
		root := p.RootURI()
		g, ok := byRoot[root]
		if !ok {
			g = &group{root: root, nodes: make(map[atproto.URI]*node)}
			byRoot[root] = g
		}
		if _, dup := g.nodes[uri]; dup {
			continue
		}

		tp := ThreadPost{
			Post:       p,
			DID:        uri.DID,
			RKey:       uri.RKey,
			NewestTime: p.ActivityTime(),
			Muted:      muted.has(uri.DID),
		}
		if parent, ok := p.ParentURI(); ok {
			tp.ParentURI = parent
		} else {
			g.hasTopLevel = true
		}
		if a.blocks != nil && uri.DID != viewer {
			tp.Blocked = a.blocks.HasBlockRelationship(viewer, uri.DID)
		}
		g.nodes[uri] = &node{post: tp}
		if tp.NewestTime.After(g.newest) {
			g.newest = tp.NewestTime
		}
	}

	out := make([]*group, 0, len(byRoot))
	for _, g := range byRoot {
		g.link(a.posts)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].newest.Equal(out[j].newest) {
			return out[i].newest.After(out[j].newest)
		}
		return out[i].root.String() < out[j].root.String()
	})
	return out
}

// link connects each node to its nearest in-group ancestor and computes
// depths along the full ancestor chain, so posts outside the timeline (deleted
// ones included) still count.
func (g *group) link(posts PostSource) {
	for _, n := range g.nodes {
		n.parent, n.hops = g.ancestor(posts, n)
		if n.parent != nil {
			n.parent.children = append(n.parent.children, n)
		}
	}
	for _, n := range g.nodes {
		sort.Slice(n.children, func(i, j int) bool { return earlier(n.children[i], n.children[j]) })

		n.depth = n.hops
		seen := map[*node]struct{}{n: {}}
		for p := n.parent; p != nil; p = p.parent {
			if _, loop := seen[p]; loop {
				break
			}
			seen[p] = struct{}{}
			n.depth += p.hops
		}
	}
}

// ancestor walks up from n's parent until it reaches a node of the group. It
// returns that node and its distance, or nil and the number of ancestors
// walked when the chain leaves what the source knows.
func (g *group) ancestor(posts PostSource, n *node) (*node, int) {
	cur := n.post.ParentURI
	seen := map[atproto.URI]struct{}{n.post.Post.URI: {}}
	hops := 0
	for !cur.IsZero() {
		if _, loop := seen[cur]; loop {
			break
		}
		seen[cur] = struct{}{}
		hops++
		if p, ok := g.nodes[cur]; ok {
			return p, hops
		}
		next, ok := posts.ParentOf(cur)
		if !ok {
			break
		}
		cur = next
	}
	return nil, hops
}

// earlier orders siblings: creation time, then rkey, then author.
func earlier(a, b *node) bool {
	if !a.post.NewestTime.Equal(b.post.NewestTime) {
		return a.post.NewestTime.Before(b.post.NewestTime)
	}
	if a.post.RKey != b.post.RKey {
		return a.post.RKey < b.post.RKey
	}
	return a.post.DID < b.post.DID
}

type branch struct {
	start  *node
	parent *node
}

// split walks the conversation and emits one thread per branch. The earliest
// child of a node continues its parent's thread; every other child starts a
// new thread tagged with the shared parent.
func (g *group) split() []Thread {
	var starts []*node
	for _, n := range g.nodes {
		if n.parent == nil {
			starts = append(starts, n)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return earlier(starts[i], starts[j]) })

	pending := make([]branch, 0, len(starts))
	for _, n := range starts {
		pending = append(pending, branch{start: n})
	}

	visited := make(map[*node]struct{}, len(g.nodes))
	var threads []Thread
	drain := func() {
		for len(pending) > 0 {
			b := pending[0]
			pending = pending[1:]

			var posts []ThreadPost
			for n := b.start; n != nil; {
				if _, ok := visited[n]; ok {
					break
				}
				visited[n] = struct{}{}
				posts = append(posts, n.post)
				posts[len(posts)-1].Depth = n.depth

				var next *node
				for _, c := range n.children {
					if _, ok := visited[c]; ok {
						continue
					}
					if next == nil {
						next = c
						continue
					}
					pending = append(pending, branch{start: c, parent: n})
				}
				n = next
			}
			if len(posts) > 0 {
				threads = append(threads, g.thread(posts, b.parent))
			}
		}
	}
	drain()

	// nodes caught in a parent cycle are unreachable from any start
	if len(visited) < len(g.nodes) {
		var rest []*node
		for _, n := range g.nodes {
			if _, ok := visited[n]; !ok {
				rest = append(rest, n)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return earlier(rest[i], rest[j]) })
		for _, n := range rest {
			pending = append(pending, branch{start: n})
			drain()
		}
	}
	return threads
}

func (g *group) thread(posts []ThreadPost, branchParent *node) Thread {
	minDepth := posts[0].Depth
	newest := posts[0].NewestTime
	for _, p := range posts[1:] {
		if p.Depth < minDepth {
			minDepth = p.Depth
		}
		if p.NewestTime.After(newest) {
			newest = p.NewestTime
		}
	}
	for i := range posts {
		posts[i].Depth -= minDepth
	}

	t := Thread{RootURI: g.root, Posts: posts, NewestTime: newest}
	if branchParent != nil {
		bp := branchParent.post
		bp.Depth = branchParent.depth
		t.BranchParent = &bp
	}
	return t
}

func sortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].NewestTime.Equal(threads[j].NewestTime) {
			return threads[i].NewestTime.After(threads[j].NewestTime)
		}
		return threads[i].Posts[0].Post.URI.String() < threads[j].Posts[0].Post.URI.String()
	})
}
