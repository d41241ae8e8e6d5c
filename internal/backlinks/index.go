// Package backlinks indexes directed social edges (replies, quotes, reposts,
// likes, blocks, follows) by edge kind, subject and acting actor.
package backlinks

import (
	"sort"
	"sync"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

type linkSet map[atproto.Backlink]struct{}

// edgeRef locates one linking record inside the index.
type edgeRef struct {
	kind    atproto.EdgeKind
	subject string
}

// Index is the three-level structure edge kind → subject → actor → set of
// backlinks. Subjects are record URIs or, for blocks and follows, actor DIDs.
// All mutations are idempotent. Index is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	links map[atproto.EdgeKind]map[string]map[atproto.DID]linkSet

	// byRecord maps a linking record to every edge it was registered under,
	// so deletes that carry no record body can still be applied.
	byRecord map[atproto.Backlink]map[edgeRef]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		links:    make(map[atproto.EdgeKind]map[string]map[atproto.DID]linkSet),
		byRecord: make(map[atproto.Backlink]map[edgeRef]struct{}),
	}
}

// Add registers links as pointing at subject under kind.
func (x *Index) Add(subject string, kind atproto.EdgeKind, links ...atproto.Backlink) {
	if len(links) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	subjects, ok := x.links[kind]
	if !ok {
		subjects = make(map[string]map[atproto.DID]linkSet)
		x.links[kind] = subjects
	}
	actors, ok := subjects[subject]
	if !ok {
		actors = make(map[atproto.DID]linkSet)
		subjects[subject] = actors
	}
	for _, link := range links {
		set, ok := actors[link.DID]
		if !ok {
			set = make(linkSet)
			actors[link.DID] = set
		}
		set[link] = struct{}{}

		refs, ok := x.byRecord[link]
		if !ok {
			refs = make(map[edgeRef]struct{})
			x.byRecord[link] = refs
		}
		refs[edgeRef{kind: kind, subject: subject}] = struct{}{}
	}
}

// Remove unregisters links from subject under kind. Missing links are
// ignored.
func (x *Index) Remove(subject string, kind atproto.EdgeKind, links ...atproto.Backlink) {
	if len(links) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, link := range links {
		x.removeLocked(subject, kind, link)
	}
}

// RemoveRecord unregisters a linking record from every edge it was added
// under and returns those edges' subjects. Used for deletes, which name the
// record but not what it pointed at.
func (x *Index) RemoveRecord(link atproto.Backlink) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	refs := x.byRecord[link]
	subjects := make([]string, 0, len(refs))
	for ref := range refs {
		x.removeLocked(ref.subject, ref.kind, link)
		subjects = append(subjects, ref.subject)
	}
	sort.Strings(subjects)
	return subjects
}

func (x *Index) removeLocked(subject string, kind atproto.EdgeKind, link atproto.Backlink) {
	if refs, ok := x.byRecord[link]; ok {
		delete(refs, edgeRef{kind: kind, subject: subject})
		if len(refs) == 0 {
			delete(x.byRecord, link)
		}
	}

	subjects, ok := x.links[kind]
	if !ok {
		return
	}
	actors, ok := subjects[subject]
	if !ok {
		return
	}
	set, ok := actors[link.DID]
	if !ok {
		return
	}
	delete(set, link)
	if len(set) > 0 {
		return
	}
	delete(actors, link.DID)
	if len(actors) > 0 {
		return
	}
	delete(subjects, subject)
	if len(subjects) == 0 {
		delete(x.links, kind)
	}
}

// FindBy returns the links actor created pointing at subject under kind,
// ordered by record key.
func (x *Index) FindBy(subject string, kind atproto.EdgeKind, actor atproto.DID) []atproto.Backlink {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedLinks(x.links[kind][subject][actor])
}

// Has reports whether actor has at least one link to subject under kind.
func (x *Index) Has(subject string, kind atproto.EdgeKind, actor atproto.DID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.links[kind][subject][actor]) > 0
}

// All returns every link pointing at subject under kind, ordered by actor
// then record key.
func (x *Index) All(subject string, kind atproto.EdgeKind) []atproto.Backlink {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []atproto.Backlink
	for _, set := range x.links[kind][subject] {
		for link := range set {
			out = append(out, link)
		}
	}
	sortBacklinks(out)
	return out
}

// Count returns the number of links pointing at subject under kind.
func (x *Index) Count(subject string, kind atproto.EdgeKind) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	n := 0
	for _, set := range x.links[kind][subject] {
		n += len(set)
	}
	return n
}

// Actors returns the actors with at least one link to subject under kind.
func (x *Index) Actors(subject string, kind atproto.EdgeKind) []atproto.DID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	actors := make([]atproto.DID, 0, len(x.links[kind][subject]))
	for did := range x.links[kind][subject] {
		actors = append(actors, did)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}

func sortedLinks(set linkSet) []atproto.Backlink {
	if len(set) == 0 {
		return nil
	}
	out := make([]atproto.Backlink, 0, len(set))
	for link := range set {
		out = append(out, link)
	}
	sortBacklinks(out)
	return out
}

func sortBacklinks(links []atproto.Backlink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].DID != links[j].DID {
			return links[i].DID < links[j].DID
		}
		if links[i].Collection != links[j].Collection {
			return links[i].Collection < links[j].Collection
		}
		return links[i].RKey < links[j].RKey
	})
}
