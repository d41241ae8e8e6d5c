// Package posts holds hydrated posts per actor together with the derived
// reply, root and timeline indices the thread assembler and scorer read.
package posts

import (
	"sort"
	"sync"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/backlinks"
)

// DefaultMaxChainDepth bounds ancestor walks.
const DefaultMaxChainDepth = 64

// Presence is what the store knows about a URI.
type Presence int

const (
	Unknown Presence = iota
	Present
	Deleted
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Tombstone keeps the reply linkage of a deleted post so descendants can
// still walk through it.
type Tombstone struct {
	URI       atproto.URI `json:"uri"`
	Parent    atproto.URI `json:"parent,omitempty"`
	Root      atproto.URI `json:"root,omitempty"`
	DeletedAt time.Time   `json:"deletedAt"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for tombstones.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxChainDepth bounds ancestor walks. Values below 1 are ignored.
func WithMaxChainDepth(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxChainDepth = n
		}
	}
}

type uriSet map[atproto.URI]struct{}

// Store is the post store. Every mutation updates the post map and all
// derived indices inside one critical section.
type Store struct {
	links         *backlinks.Index
	now           func() time.Time
	maxChainDepth int

	mu         sync.RWMutex
	posts      map[atproto.DID]map[atproto.URI]atproto.Post
	replies    map[atproto.DID]uriSet // parent author → replies
	roots      map[atproto.URI]uriSet // thread root → members
	tombstones map[atproto.URI]Tombstone
	versions   map[atproto.DID]uint64
	timelines  map[atproto.DID]uriSet
}

// NewStore returns an empty store that registers synthetic reply and quote
// backlinks in links.
func NewStore(links *backlinks.Index, opts ...Option) *Store {
	s := &Store{
		links:         links,
		now:           time.Now,
		maxChainDepth: DefaultMaxChainDepth,
		posts:         make(map[atproto.DID]map[atproto.URI]atproto.Post),
		replies:       make(map[atproto.DID]uriSet),
		roots:         make(map[atproto.URI]uriSet),
		tombstones:    make(map[atproto.URI]Tombstone),
		versions:      make(map[atproto.DID]uint64),
		timelines:     make(map[atproto.DID]uriSet),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPosts inserts or replaces posts. Re-adding an identical post is a no-op
// apart from the version bump.
func (s *Store) AddPosts(posts ...atproto.Post) {
	if len(posts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range posts {
		if p.URI.IsZero() {
			continue
		}
		byURI, ok := s.posts[p.URI.DID]
		if !ok {
			byURI = make(map[atproto.URI]atproto.Post)
			s.posts[p.URI.DID] = byURI
		}
		if old, ok := byURI[p.URI]; ok {
			s.unindexLocked(old)
		}
		byURI[p.URI] = p
		delete(s.tombstones, p.URI)
		s.indexLocked(p)
		s.versions[p.URI.DID]++
	}
}

// DeletePost removes a post and leaves a tombstone behind. It reports whether
// the post was known.
func (s *Store) DeletePost(uri atproto.URI) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byURI := s.posts[uri.DID]
	p, ok := byURI[uri]
	if !ok {
		return false
	}
	delete(byURI, uri)
	if len(byURI) == 0 {
		delete(s.posts, uri.DID)
	}
	s.unindexLocked(p)

	ts := Tombstone{URI: uri, DeletedAt: s.now()}
	if parent, ok := p.ParentURI(); ok {
		ts.Parent = parent
		ts.Root = p.RootURI()
	}
	s.tombstones[uri] = ts
	s.versions[uri.DID]++
	return true
}

func (s *Store) indexLocked(p atproto.Post) {
	link := atproto.BacklinkFromURI(p.URI)
	root := p.RootURI()
	addTo(s.roots, root, p.URI)

	if parent, ok := p.ParentURI(); ok {
		addTo(s.replies, parent.DID, p.URI)
		s.links.Add(parent.String(), atproto.EdgeReplyParent, link)
		s.links.Add(root.String(), atproto.EdgeReplyRoot, link)
	}
	if quoted, ok := p.QuotedURI(); ok {
		s.links.Add(quoted.String(), atproto.EdgeQuote, link)
	}
}

func (s *Store) unindexLocked(p atproto.Post) {
	link := atproto.BacklinkFromURI(p.URI)
	root := p.RootURI()
	removeFrom(s.roots, root, p.URI)

	if parent, ok := p.ParentURI(); ok {
		removeFrom(s.replies, parent.DID, p.URI)
		s.links.Remove(parent.String(), atproto.EdgeReplyParent, link)
		s.links.Remove(root.String(), atproto.EdgeReplyRoot, link)
	}
	if quoted, ok := p.QuotedURI(); ok {
		s.links.Remove(quoted.String(), atproto.EdgeQuote, link)
	}
}

// GetPost returns the post did/app.bsky.feed.post/rkey.
func (s *Store) GetPost(did atproto.DID, rkey string) (atproto.Post, bool) {
	return s.Get(atproto.NewURI(did, atproto.CollectionPost, rkey))
}

// Get returns the post with the given URI.
func (s *Store) Get(uri atproto.URI) (atproto.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[uri.DID][uri]
	return p, ok
}

// Lookup distinguishes deleted posts from posts that were never seen.
func (s *Store) Lookup(uri atproto.URI) Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(uri)
}

func (s *Store) lookupLocked(uri atproto.URI) Presence {
	if _, ok := s.posts[uri.DID][uri]; ok {
		return Present
	}
	if _, ok := s.tombstones[uri]; ok {
		return Deleted
	}
	return Unknown
}

// Tombstone returns the tombstone left by a deleted post.
func (s *Store) Tombstone(uri atproto.URI) (Tombstone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tombstones[uri]
	return ts, ok
}

// ParentOf returns the parent of a reply, live or deleted.
func (s *Store) ParentOf(uri atproto.URI) (atproto.URI, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parentLocked(uri)
}

func (s *Store) parentLocked(uri atproto.URI) (atproto.URI, bool) {
	if p, ok := s.posts[uri.DID][uri]; ok {
		return p.ParentURI()
	}
	if ts, ok := s.tombstones[uri]; ok && !ts.Parent.IsZero() {
		return ts.Parent, true
	}
	return atproto.URI{}, false
}

// Chain returns the known ancestors of uri, nearest first. The walk passes
// through tombstones and stops at the first unknown ancestor, on a cycle, or
// after the configured maximum depth.
func (s *Store) Chain(uri atproto.URI) []atproto.URI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainLocked(uri)
}

func (s *Store) chainLocked(uri atproto.URI) []atproto.URI {
	var chain []atproto.URI
	seen := map[atproto.URI]struct{}{uri: {}}
	current := uri
	for len(chain) < s.maxChainDepth {
		parent, ok := s.parentLocked(current)
		if !ok {
			break
		}
		if _, loop := seen[parent]; loop {
			break
		}
		if s.lookupLocked(parent) == Unknown {
			break
		}
		seen[parent] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain
}

// PostsBy returns an actor's posts, newest first.
func (s *Store) PostsBy(did atproto.DID) []atproto.Post {
	s.mu.RLock()
	out := make([]atproto.Post, 0, len(s.posts[did]))
	for _, p := range s.posts[did] {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ActivityTime(), out[j].ActivityTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].URI.RKey > out[j].URI.RKey
	})
	return out
}

// PostCount returns the number of live posts by did.
func (s *Store) PostCount(did atproto.DID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts[did])
}

// Version is a counter bumped on every mutation of did's posts.
func (s *Store) Version(did atproto.DID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[did]
}

// RepliesTo returns the URIs of known replies to posts by did.
func (s *Store) RepliesTo(did atproto.DID) []atproto.URI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedURIs(s.replies[did])
}

// ThreadMembers returns the known posts sharing the thread root.
func (s *Store) ThreadMembers(root atproto.URI) []atproto.URI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedURIs(s.roots[root])
}

// Actors returns every actor with at least one live post.
func (s *Store) Actors() []atproto.DID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]atproto.DID, 0, len(s.posts))
	for did := range s.posts {
		out = append(out, did)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EvictTombstones drops tombstones deleted before olderThan and returns how
// many were removed.
func (s *Store) EvictTombstones(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uri, ts := range s.tombstones {
		if ts.DeletedAt.Before(olderThan) {
			delete(s.tombstones, uri)
			n++
		}
	}
	return n
}

func addTo[K comparable](m map[K]uriSet, key K, uri atproto.URI) {
	set, ok := m[key]
	if !ok {
		set = make(uriSet)
		m[key] = set
	}
	set[uri] = struct{}{}
}

func removeFrom[K comparable](m map[K]uriSet, key K, uri atproto.URI) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, uri)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedURIs(set uriSet) []atproto.URI {
	out := make([]atproto.URI, 0, len(set))
	for uri := range set {
		out = append(out, uri)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
