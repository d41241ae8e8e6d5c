package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/posts"
)

// HandleCommit applies a firehose commit to the store and index. It reports
// whether the commit changed anything. Commits for collections the engine
// does not track are ignored, as are commits by untracked actors that neither
// reply to or quote a loaded post nor point at a tracked actor or a loaded
// post. Replies from untracked actors are stored without joining a timeline.
func (s *FeedService) HandleCommit(ctx context.Context, c Commit) (bool, error) {
	uri := c.URI()
	tracked := s.Tracked(c.DID)

	if c.Collection == atproto.CollectionPost {
		switch c.Operation {
		case OperationCreate, OperationUpdate:
			if len(c.Record) == 0 {
				return false, nil
			}
			p, err := atproto.DecodePost(uri, c.CID, c.Record)
			if err != nil {
				return false, fmt.Errorf("decode post %s: %w", uri, err)
			}
			if !tracked && !s.touchesLoaded(p) {
				return false, nil
			}
			s.posts.AddPosts(p)
			if tracked {
				s.posts.AddTimeline(c.DID, uri)
			}
			return true, nil
		case OperationDelete:
			return s.DeletePost(uri), nil
		default:
			return false, nil
		}
	}

	kinds := atproto.KindsForCollection(c.Collection)
	if len(kinds) == 0 {
		return false, nil
	}
	link := atproto.BacklinkFromURI(uri)

	switch c.Operation {
	case OperationDelete:
		if c.Collection == atproto.CollectionFollow {
			s.removeFollow(uri)
		}
		return len(s.links.RemoveRecord(link)) > 0, nil
	case OperationCreate, OperationUpdate:
		if len(c.Record) == 0 {
			return false, nil
		}
		if c.Operation == OperationUpdate {
			s.links.RemoveRecord(link)
		}
		changed := false
		for _, kind := range kinds {
			subject, ok, err := kind.Subject(c.Record)
			if err != nil {
				return changed, fmt.Errorf("decode %s: %w", uri, err)
			}
			if !ok || (!tracked && !s.relevantSubject(subject)) {
				continue
			}
			s.links.Add(subject, kind, link)
			if kind == atproto.EdgeFollow && tracked {
				s.addFollow(c.DID, uri, atproto.DID(subject))
			}
			changed = true
		}
		return changed, nil
	default:
		return false, nil
	}
}

// touchesLoaded reports whether p replies to or quotes a loaded post.
func (s *FeedService) touchesLoaded(p atproto.Post) bool {
	if parent, ok := p.ParentURI(); ok && s.posts.Lookup(parent) == posts.Present {
		return true
	}
	if quoted, ok := p.QuotedURI(); ok && s.posts.Lookup(quoted) == posts.Present {
		return true
	}
	return false
}

// relevantSubject reports whether a link subject is a tracked actor, a post
// by one, or a loaded post.
func (s *FeedService) relevantSubject(subject string) bool {
	if strings.HasPrefix(subject, "did:") {
		return s.Tracked(atproto.DID(subject))
	}
	uri, err := atproto.ParseURI(subject)
	if err != nil {
		return false
	}
	return s.Tracked(uri.DID) || s.posts.Lookup(uri) == posts.Present
}

// HandleLinkNotification applies a backlink notification. Notifications about
// posts (replies and quotes) hydrate the subject and the linking post;
// everything else only touches the backlink index.
func (s *FeedService) HandleLinkNotification(ctx context.Context, n LinkNotification) error {
	kind, err := atproto.ParseEdgeKind(n.Source)
	if err != nil {
		s.logger.Debug("ignoring notification for unknown source", "source", n.Source)
		return nil
	}
	source, err := atproto.ParseURI(n.SourceRecord)
	if err != nil {
		return fmt.Errorf("notification source record: %w", err)
	}
	link := atproto.BacklinkFromURI(source)

	if kind.Collection == atproto.CollectionPost {
		if n.Operation == OperationDelete {
			s.DeletePost(source)
			return nil
		}
		return s.hydrateNotification(ctx, n.Subject, source)
	}

	switch n.Operation {
	case OperationDelete:
		s.links.Remove(n.Subject, kind, link)
	default:
		s.links.Add(n.Subject, kind, link)
	}
	return nil
}

func (s *FeedService) hydrateNotification(ctx context.Context, subject string, source atproto.URI) error {
	subjectURI, err := atproto.ParseURI(subject)
	if err != nil {
		return fmt.Errorf("notification subject: %w", err)
	}
	subjectPost, err := s.fetchPost(ctx, subjectURI)
	if err != nil {
		return fmt.Errorf("fetch subject %s: %w", subjectURI, err)
	}
	sourcePost, err := s.fetchPost(ctx, source)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", source, err)
	}

	batch := []atproto.Post{subjectPost, sourcePost}
	s.posts.AddPosts(s.fetchAncestors(ctx, batch)...)
	s.posts.AddPosts(batch...)
	s.posts.AddTimeline(subjectURI.DID, subjectURI)
	return nil
}
