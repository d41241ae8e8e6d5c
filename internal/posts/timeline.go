package posts

import "github.com/blackmichael/bluesky-threads/internal/atproto"

// AddTimeline adds uris, and the live ancestors of each, to did's timeline.
// Ancestors are included so replies render with their context.
func (s *Store) AddTimeline(did atproto.DID, uris ...atproto.URI) {
	if len(uris) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uri := range uris {
		addTo(s.timelines, did, uri)
		for _, ancestor := range s.chainLocked(uri) {
			if s.lookupLocked(ancestor) == Present {
				addTo(s.timelines, did, ancestor)
			}
		}
	}
}

// RemoveFromTimelines drops uri from every timeline.
func (s *Store) RemoveFromTimelines(uri atproto.URI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for did := range s.timelines {
		removeFrom(s.timelines, did, uri)
	}
}

// Timeline returns the URIs in did's timeline.
func (s *Store) Timeline(did atproto.DID) []atproto.URI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedURIs(s.timelines[did])
}

// InTimeline reports whether uri is part of did's timeline.
func (s *Store) InTimeline(did atproto.DID, uri atproto.URI) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.timelines[did][uri]
	return ok
}
