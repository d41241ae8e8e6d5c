package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/backlinks"
	"github.com/blackmichael/bluesky-threads/internal/posts"
	"github.com/blackmichael/bluesky-threads/internal/scoring"
	"github.com/blackmichael/bluesky-threads/internal/thread"
)

// DefaultFetchConcurrency bounds parallel requests during hydration.
const DefaultFetchConcurrency = 8

// Option configures a FeedService.
type Option func(*FeedService)

// WithWriter enables CreateBacklink and DeleteBacklink.
func WithWriter(w RecordWriter) Option {
	return func(s *FeedService) { s.writer = w }
}

// WithFetchConcurrency overrides DefaultFetchConcurrency.
func WithFetchConcurrency(n int) Option {
	return func(s *FeedService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *FeedService) { s.now = now }
}

// WithScorer replaces the default scorer.
func WithScorer(scorer *scoring.Scorer) Option {
	return func(s *FeedService) { s.scorer = scorer }
}

type linkCursorKey struct {
	did  atproto.DID
	kind atproto.EdgeKind
}

type postCursor struct {
	value string
	end   bool
}

// FeedService is the core domain service. It owns the post store and the
// backlink index, keeps them in sync with fetches and stream events, and
// serves threads, scores and block queries from them.
type FeedService struct {
	posts     *posts.Store
	links     *backlinks.Index
	assembler *thread.Assembler
	scorer    *scoring.Scorer

	fetcher RecordFetcher
	writer  RecordWriter
	cursors CursorRepository
	logger  *slog.Logger

	concurrency int
	now         func() time.Time

	mu          sync.Mutex
	follows     map[atproto.DID]map[atproto.URI]atproto.DID // actor → follow record → followed
	viewers     map[atproto.DID]struct{}
	tracked     map[atproto.DID]int // viewers and their follows, counted per reason
	postCursors map[atproto.DID]postCursor
	linkCursors map[linkCursorKey]string
	clockID     uint
}

// NewFeedService wires the store and index to their collaborators.
func NewFeedService(
	store *posts.Store,
	links *backlinks.Index,
	fetcher RecordFetcher,
	cursors CursorRepository,
	logger *slog.Logger,
	opts ...Option,
) *FeedService {
	s := &FeedService{
		posts:       store,
		links:       links,
		assembler:   thread.NewAssembler(store, links),
		fetcher:     fetcher,
		cursors:     cursors,
		logger:      logger,
		concurrency: DefaultFetchConcurrency,
		now:         time.Now,
		follows:     make(map[atproto.DID]map[atproto.URI]atproto.DID),
		viewers:     make(map[atproto.DID]struct{}),
		tracked:     make(map[atproto.DID]int),
		postCursors: make(map[atproto.DID]postCursor),
		linkCursors: make(map[linkCursorKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scorer == nil {
		s.scorer = scoring.NewScorer(store, links, scoring.WithClock(s.now))
	}
	return s
}

// Posts returns the underlying post store.
func (s *FeedService) Posts() *posts.Store { return s.posts }

// Backlinks returns the underlying backlink index.
func (s *FeedService) Backlinks() *backlinks.Index { return s.links }

// AddPosts inserts posts into the store.
func (s *FeedService) AddPosts(ps ...atproto.Post) {
	s.posts.AddPosts(ps...)
}

// DeletePost removes a post, leaving a tombstone, and drops it from every
// timeline.
func (s *FeedService) DeletePost(uri atproto.URI) bool {
	s.posts.RemoveFromTimelines(uri)
	return s.posts.DeletePost(uri)
}

// AddBacklinks registers links pointing at subject.
func (s *FeedService) AddBacklinks(subject string, kind atproto.EdgeKind, links ...atproto.Backlink) {
	s.links.Add(subject, kind, links...)
}

// RemoveBacklinks unregisters links pointing at subject.
func (s *FeedService) RemoveBacklinks(subject string, kind atproto.EdgeKind, links ...atproto.Backlink) {
	s.links.Remove(subject, kind, links...)
}

// IsBlockedBy reports whether blocker blocks subject.
func (s *FeedService) IsBlockedBy(subject, blocker atproto.DID) bool {
	return s.links.IsBlockedBy(subject, blocker)
}

// GetBlockRelationship returns the block relationship between viewer and
// other in both directions.
func (s *FeedService) GetBlockRelationship(viewer, other atproto.DID) backlinks.BlockRelationship {
	return s.links.GetBlockRelationship(viewer, other)
}

// HasBlockRelationship reports a block in either direction.
func (s *FeedService) HasBlockRelationship(viewer, other atproto.DID) bool {
	return s.links.HasBlockRelationship(viewer, other)
}

// Follows returns the actors did follows, sorted.
func (s *FeedService) Follows(did atproto.DID) []atproto.DID {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[atproto.DID]struct{})
	out := make([]atproto.DID, 0, len(s.follows[did]))
	for _, followed := range s.follows[did] {
		if _, ok := seen[followed]; ok {
			continue
		}
		seen[followed] = struct{}{}
		out = append(out, followed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *FeedService) addFollow(did atproto.DID, record atproto.URI, followed atproto.DID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.follows[did]
	if !ok {
		m = make(map[atproto.URI]atproto.DID)
		s.follows[did] = m
	}
	_, viewing := s.viewers[did]
	if prev, ok := m[record]; ok && viewing {
		s.untrackLocked(prev)
	}
	m[record] = followed
	if viewing {
		s.tracked[followed]++
	}
}

func (s *FeedService) removeFollow(record atproto.URI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.follows[record.DID]
	if followed, ok := m[record]; ok {
		if _, viewing := s.viewers[record.DID]; viewing {
			s.untrackLocked(followed)
		}
	}
	delete(m, record)
	if len(m) == 0 {
		delete(s.follows, record.DID)
	}
}

func (s *FeedService) untrackLocked(did atproto.DID) {
	if s.tracked[did] <= 1 {
		delete(s.tracked, did)
		return
	}
	s.tracked[did]--
}

// Track registers dids as viewers. Firehose commits by a viewer or by anyone
// a viewer follows are ingested; commits by other actors are kept only when
// they touch something already loaded.
func (s *FeedService) Track(dids ...atproto.DID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, did := range dids {
		if _, ok := s.viewers[did]; ok {
			continue
		}
		s.viewers[did] = struct{}{}
		s.tracked[did]++
		for _, followed := range s.follows[did] {
			s.tracked[followed]++
		}
	}
}

// Tracked reports whether did is a viewer or is followed by one.
func (s *FeedService) Tracked(did atproto.DID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[did] > 0
}

// ResolveActor turns a handle or DID into a DID. DIDs are returned without a
// lookup.
func (s *FeedService) ResolveActor(ctx context.Context, actor string) (atproto.DID, error) {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return "", fmt.Errorf("resolve actor: %w", ErrNotFound)
	}
	if strings.HasPrefix(actor, "did:") {
		return atproto.DID(actor), nil
	}
	did, err := s.fetcher.ResolveHandle(ctx, actor)
	if err != nil {
		return "", fmt.Errorf("resolve actor %s: %w", actor, err)
	}
	return did, nil
}

// Timeline returns the URIs of viewer's feed: the viewer's own timeline
// merged with the timelines of everyone the viewer follows.
func (s *FeedService) Timeline(viewer atproto.DID) []atproto.URI {
	seen := make(map[atproto.URI]struct{})
	var out []atproto.URI
	for _, did := range append([]atproto.DID{viewer}, s.Follows(viewer)...) {
		for _, uri := range s.posts.Timeline(did) {
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, uri)
		}
	}
	return out
}

// BuildThreadsFiltered assembles threads from an explicit timeline.
func (s *FeedService) BuildThreadsFiltered(
	viewer atproto.DID,
	timeline []atproto.URI,
	mutes []atproto.DID,
	opts thread.FilterOptions,
	limit int,
) []thread.Thread {
	return s.assembler.BuildThreadsFiltered(viewer, timeline, mutes, opts, limit)
}

// Threads assembles viewer's feed. Accounts defaults to the viewer.
func (s *FeedService) Threads(viewer atproto.DID, opts FeedOptions) Feed {
	filter := opts.Filter
	if len(filter.Accounts) == 0 {
		filter.Accounts = []atproto.DID{viewer}
	}
	threads := s.assembler.BuildThreadsFiltered(viewer, s.Timeline(viewer), opts.Mutes, filter, opts.Limit)
	if threads == nil {
		threads = []thread.Thread{}
	}
	return Feed{Viewer: viewer, Threads: threads}
}

// CalculateInteractionScores scores every actor viewer follows.
func (s *FeedService) CalculateInteractionScores(viewer atproto.DID) map[atproto.DID]float64 {
	return s.scorer.InteractionScores(viewer, s.Follows(viewer))
}

// FollowingStats returns activity stats for everyone viewer follows, ordered
// by sortBy.
func (s *FeedService) FollowingStats(viewer atproto.DID, sortBy scoring.Sort) []scoring.FollowedUserStats {
	return s.scorer.FollowingStats(viewer, s.Follows(viewer), sortBy)
}

// GetCursor retrieves the last-processed stream cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the stream cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

// StartTombstoneSweep runs a background loop that forgets tombstones older
// than maxAge. It runs immediately on start and then repeats at the given
// interval. It blocks until ctx is cancelled.
func (s *FeedService) StartTombstoneSweep(ctx context.Context, interval, maxAge time.Duration) {
	s.sweepTombstones(maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTombstones(maxAge)
		}
	}
}

func (s *FeedService) sweepTombstones(maxAge time.Duration) {
	if evicted := s.posts.EvictTombstones(s.now().Add(-maxAge)); evicted > 0 {
		s.logger.Info("tombstone sweep complete", "evicted", evicted)
	}
}
