package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/posts"
)

const (
	// DefaultTimelinePageSize is the number of posts FetchTimeline requests
	// when no limit is given.
	DefaultTimelinePageSize = 6

	replyBacklinkLimit = 100
	interactionWindow  = 3 * 24 * time.Hour
)

// FetchTimeline loads the next page of did's posts together with their
// direct replies and any missing ancestors, and adds did's posts to its
// timeline. Once the last page has been loaded further calls do nothing. It
// reports whether more pages remain.
func (s *FeedService) FetchTimeline(ctx context.Context, did atproto.DID, limit int) (bool, error) {
	s.mu.Lock()
	cursor := s.postCursors[did]
	s.mu.Unlock()
	if cursor.end {
		return false, nil
	}

	next, err := s.loadTimelinePage(ctx, did, cursor.value, limit)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.postCursors[did] = postCursor{value: next, end: next == ""}
	s.mu.Unlock()
	return next != "", nil
}

// FetchLatest loads did's newest page of posts the way FetchTimeline does,
// picking up posts made since earlier loads. It leaves FetchTimeline's paging
// position alone unless nothing has been loaded for did yet.
func (s *FeedService) FetchLatest(ctx context.Context, did atproto.DID, limit int) error {
	next, err := s.loadTimelinePage(ctx, did, "", limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.postCursors[did]; !ok {
		s.postCursors[did] = postCursor{value: next, end: next == ""}
	}
	s.mu.Unlock()
	return nil
}

// loadTimelinePage fetches and stores one page of did's posts starting at
// cursor and returns the cursor of the following page.
func (s *FeedService) loadTimelinePage(ctx context.Context, did atproto.DID, cursor string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultTimelinePageSize
	}
	page, err := s.fetcher.ListRecords(ctx, did, atproto.CollectionPost, cursor, limit)
	if err != nil {
		return "", fmt.Errorf("list posts of %s: %w", did, err)
	}

	own := s.decodePosts(page.Records)
	replies := s.fetchReplies(ctx, own)
	batch := append(own, replies...)
	ancestors := s.fetchAncestors(ctx, batch)

	s.posts.AddPosts(ancestors...)
	s.posts.AddPosts(batch...)

	uris := make([]atproto.URI, 0, len(own))
	for _, p := range own {
		uris = append(uris, p.URI)
	}
	s.posts.AddTimeline(did, uris...)

	s.logger.Debug("fetched timeline page",
		"did", did,
		"posts", len(own),
		"replies", len(replies),
		"ancestors", len(ancestors),
		"cursor", page.Cursor,
	)
	return page.Cursor, nil
}

// FetchFollows loads every follow record of did and returns the followed
// actors.
//
// Loading follows makes did a viewer (see Track).
func (s *FeedService) FetchFollows(ctx context.Context, did atproto.DID) ([]atproto.DID, error) {
	s.Track(did)
	records, _, err := s.fetcher.ListRecordsUntil(ctx, did, atproto.CollectionFollow, "", time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list follows of %s: %w", did, err)
	}
	for _, rec := range records {
		subject, ok, err := atproto.EdgeFollow.Subject(rec.Value)
		if err != nil || !ok {
			s.logger.Warn("skipping malformed follow record", "uri", rec.URI, "error", err)
			continue
		}
		s.addFollow(did, rec.URI, atproto.DID(subject))
		s.links.Add(subject, atproto.EdgeFollow, atproto.BacklinkFromURI(rec.URI))
	}
	return s.Follows(did), nil
}

// FetchLinksUntil pages through did's own records of kind's collection,
// registering each as a backlink on its subject, until records older than
// until have been seen. A per-actor, per-kind cursor remembers how far back
// previous calls reached so repeated calls only fetch what is missing. A zero
// until pages to the end.
func (s *FeedService) FetchLinksUntil(ctx context.Context, did atproto.DID, kind atproto.EdgeKind, until time.Time) error {
	key := linkCursorKey{did: did, kind: kind}
	s.mu.Lock()
	cursor := s.linkCursors[key]
	s.mu.Unlock()

	if ts, ok := atproto.TimestampFromCursor(cursor); ok && !until.IsZero() && ts <= until.UnixMicro() {
		return nil
	}

	records, next, err := s.fetcher.ListRecordsUntil(ctx, did, kind.Collection, cursor, until)
	if err != nil {
		return fmt.Errorf("list %s records of %s: %w", kind.Collection, did, err)
	}

	s.mu.Lock()
	s.linkCursors[key] = next
	s.mu.Unlock()

	for _, rec := range records {
		subject, ok, err := kind.Subject(rec.Value)
		if err != nil {
			s.logger.Warn("skipping malformed record", "uri", rec.URI, "kind", kind, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.links.Add(subject, kind, atproto.BacklinkFromURI(rec.URI))
	}
	s.logger.Debug("fetched links", "did", did, "kind", kind, "records", len(records), "cursor", next)
	return nil
}

// FetchForInteractions loads the data interaction scoring needs for did: its
// latest posts and its reposts reaching back at least three days.
func (s *FeedService) FetchForInteractions(ctx context.Context, did atproto.DID) error {
	page, err := s.fetcher.ListRecords(ctx, did, atproto.CollectionPost, "", 0)
	if err != nil {
		return fmt.Errorf("list posts of %s: %w", did, err)
	}
	s.posts.AddPosts(s.decodePosts(page.Records)...)

	// with no cursor every post is loaded, so reposts are fetched in full
	var until time.Time
	if ts, ok := atproto.TimestampFromCursor(page.Cursor); ok {
		until = time.UnixMicro(ts).UTC()
		if floor := s.now().Add(-interactionWindow); floor.Before(until) {
			until = floor
		}
	}
	return s.FetchLinksUntil(ctx, did, atproto.EdgeRepost, until)
}

// FetchForInteractionsAll runs FetchForInteractions for each actor with
// bounded concurrency. Failures are logged per actor.
func (s *FeedService) FetchForInteractionsAll(ctx context.Context, dids []atproto.DID) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, did := range dids {
		g.Go(func() error {
			if err := s.FetchForInteractions(ctx, did); err != nil {
				s.logger.Warn("failed to fetch interactions", "did", did, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// FetchTimelines fetches one timeline page for each actor with bounded
// concurrency. Failures are logged per actor.
func (s *FeedService) FetchTimelines(ctx context.Context, dids []atproto.DID, limit int) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, did := range dids {
		g.Go(func() error {
			if _, err := s.FetchTimeline(ctx, did, limit); err != nil {
				s.logger.Warn("failed to fetch timeline", "did", did, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RefreshTimelines runs FetchLatest for each actor with bounded concurrency.
// Failures are logged per actor.
func (s *FeedService) RefreshTimelines(ctx context.Context, dids []atproto.DID, limit int) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, did := range dids {
		g.Go(func() error {
			if err := s.FetchLatest(ctx, did, limit); err != nil {
				s.logger.Warn("failed to refresh timeline", "did", did, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *FeedService) decodePosts(records []Record) []atproto.Post {
	out := make([]atproto.Post, 0, len(records))
	for _, rec := range records {
		p, err := atproto.DecodePost(rec.URI, rec.CID, rec.Value)
		if err != nil {
			s.logger.Warn("skipping malformed post", "uri", rec.URI, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

// FetchPost returns the post at uri, fetching and storing it when it is not
// loaded.
func (s *FeedService) FetchPost(ctx context.Context, uri atproto.URI) (atproto.Post, error) {
	p, err := s.fetchPost(ctx, uri)
	if err != nil {
		return atproto.Post{}, fmt.Errorf("fetch post %s: %w", uri, err)
	}
	s.posts.AddPosts(p)
	return p, nil
}

// FetchBacklinks asks the backlink service for records of kind linking to
// subject and registers them. A non-empty actors restricts the query to
// records those actors created.
func (s *FeedService) FetchBacklinks(ctx context.Context, subject string, kind atproto.EdgeKind, actors []atproto.DID) ([]atproto.Backlink, error) {
	page, err := s.fetcher.GetBacklinks(ctx, subject, kind, actors, 0)
	if err != nil {
		return nil, fmt.Errorf("backlinks of %s: %w", subject, err)
	}
	s.links.Add(subject, kind, page.Records...)
	return page.Records, nil
}

func (s *FeedService) fetchPost(ctx context.Context, uri atproto.URI) (atproto.Post, error) {
	if p, ok := s.posts.Get(uri); ok {
		return p, nil
	}
	rec, err := s.fetcher.GetRecordByURI(ctx, uri)
	if err != nil {
		return atproto.Post{}, err
	}
	p, err := atproto.DecodePost(uri, rec.CID, rec.Value)
	if err != nil {
		return atproto.Post{}, fmt.Errorf("decode %s: %w", uri, err)
	}
	return p, nil
}

// fetchReplies loads the direct replies of each post. Reply backlinks are
// registered even when the reply itself cannot be fetched.
func (s *FeedService) fetchReplies(ctx context.Context, parents []atproto.Post) []atproto.Post {
	var (
		mu  sync.Mutex
		out []atproto.Post
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, parent := range parents {
		g.Go(func() error {
			subject := parent.URI.String()
			page, err := s.fetcher.GetBacklinks(ctx, subject, atproto.EdgeReplyParent, nil, replyBacklinkLimit)
			if err != nil {
				s.logger.Warn("failed to fetch reply backlinks", "uri", subject, "error", err)
				return nil
			}
			s.links.Add(subject, atproto.EdgeReplyParent, page.Records...)

			for _, link := range page.Records {
				reply, err := s.fetchPost(ctx, link.URI())
				if err != nil {
					s.logger.Warn("failed to fetch reply", "uri", link.URI(), "error", err)
					continue
				}
				mu.Lock()
				out = append(out, reply)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchAncestors walks each reply's parent chain until it reaches a known
// post, the root or the chain depth bound. A failed fetch ends that chain.
func (s *FeedService) fetchAncestors(ctx context.Context, batch []atproto.Post) []atproto.Post {
	var (
		mu   sync.Mutex
		out  []atproto.Post
		seen = make(map[atproto.URI]struct{}, len(batch))
	)
	for _, p := range batch {
		seen[p.URI] = struct{}{}
	}
	claim := func(uri atproto.URI) bool {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[uri]; ok {
			return false
		}
		seen[uri] = struct{}{}
		return true
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, p := range batch {
		if !p.IsReply() {
			continue
		}
		g.Go(func() error {
			current := p
			for depth := 0; depth < posts.DefaultMaxChainDepth; depth++ {
				parent, ok := current.ParentURI()
				if !ok || s.posts.Lookup(parent) != posts.Unknown || !claim(parent) {
					return nil
				}
				next, err := s.fetchPost(ctx, parent)
				if err != nil {
					level := s.logger.Warn
					if errors.Is(err, context.Canceled) {
						level = s.logger.Debug
					}
					level("ancestor chain ended early", "uri", parent, "error", err)
					return nil
				}
				mu.Lock()
				out = append(out, next)
				mu.Unlock()
				current = next
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
