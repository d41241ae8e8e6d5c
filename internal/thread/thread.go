// Package thread turns a flat timeline of posts into ordered conversation
// threads, splitting each conversation at its branching points.
package thread

import (
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// ThreadPost is a post placed inside a thread.
type ThreadPost struct {
	Post      atproto.Post `json:"post"`
	DID       atproto.DID  `json:"did"`
	RKey      string       `json:"rkey"`
	ParentURI atproto.URI  `json:"parentUri,omitempty"`

	// Depth is zero-based within the thread that contains the post.
	Depth int `json:"depth"`

	// NewestTime is the rkey timestamp, or createdAt when the rkey is not a TID.
	NewestTime time.Time `json:"newestTime"`

	Blocked bool `json:"blocked,omitempty"`
	Muted   bool `json:"muted,omitempty"`
}

// Thread is one linear run of a conversation.
type Thread struct {
	// RootURI is the conversation root shared by every thread split from it.
	RootURI    atproto.URI  `json:"rootUri"`
	Posts      []ThreadPost `json:"posts"`
	NewestTime time.Time    `json:"newestTime"`

	// BranchParent is set on secondary branches: the shared ancestor the
	// branch continues from, which is not repeated in Posts.
	BranchParent *ThreadPost `json:"branchParentPost,omitempty"`
}

// FilterOptions restricts which threads are returned.
type FilterOptions struct {
	// HideReplies drops threads whose first post is a reply.
	HideReplies bool

	// OwnPostsOnly keeps only threads written entirely by Accounts.
	OwnPostsOnly bool

	// Accounts are the viewer's own accounts.
	Accounts []atproto.DID

	// RootActors, when non-empty, keeps only conversations rooted at one of
	// these actors or at one of Accounts.
	RootActors []atproto.DID
}

func (o FilterOptions) active() bool {
	return o.HideReplies || o.OwnPostsOnly || len(o.RootActors) > 0
}

type didSet map[atproto.DID]struct{}

func toSet(dids []atproto.DID) didSet {
	set := make(didSet, len(dids))
	for _, did := range dids {
		set[did] = struct{}{}
	}
	return set
}

func (s didSet) has(did atproto.DID) bool {
	_, ok := s[did]
	return ok
}

// filter is FilterOptions prepared for repeated lookups.
type filter struct {
	opts     FilterOptions
	accounts didSet
	roots    didSet
}

func newFilter(opts FilterOptions) filter {
	return filter{opts: opts, accounts: toSet(opts.Accounts), roots: toSet(opts.RootActors)}
}

// keepGroup applies the necessary conditions a conversation must meet for any
// of its threads to survive keepThread.
func (f filter) keepGroup(g *group) bool {
	if f.opts.HideReplies && !g.hasTopLevel {
		return false
	}
	if f.opts.OwnPostsOnly && !g.hasOwn(f.accounts) {
		return false
	}
	return f.keepRoot(g.root)
}

func (f filter) keepRoot(root atproto.URI) bool {
	if len(f.roots) == 0 {
		return true
	}
	return f.roots.has(root.DID) || f.accounts.has(root.DID)
}

func (f filter) keepThread(t Thread) bool {
	if len(t.Posts) == 0 {
		return false
	}
	if f.opts.HideReplies && t.Posts[0].Post.IsReply() {
		return false
	}
	if f.opts.OwnPostsOnly {
		for _, p := range t.Posts {
			if !f.accounts.has(p.DID) {
				return false
			}
		}
	}
	return f.keepRoot(t.RootURI)
}
