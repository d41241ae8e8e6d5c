package scoring

import (
	"strconv"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/cache"
)

// Memo lifetimes.
const (
	PostingRateTTL = time.Minute
	StatsTTL       = 5 * time.Minute
)

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the scorer's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithHalfLife overrides DefaultHalfLife.
func WithHalfLife(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.halfLife = d
		}
	}
}

// Scorer memoizes posting rates and followed-user stats. Memo entries are
// keyed by the actor's post version, so any change to an actor's posts
// misses the memo immediately.
type Scorer struct {
	posts    PostSource
	links    LinkSource
	now      func() time.Time
	halfLife time.Duration

	rates *cache.Cache[float64]
	stats *cache.Cache[statsMemo]
}

type statsMemo struct {
	Stats FollowedUserStats
	OK    bool
}

// NewScorer returns a Scorer over posts and links.
func NewScorer(posts PostSource, links LinkSource, opts ...Option) *Scorer {
	s := &Scorer{
		posts:    posts,
		links:    links,
		now:      time.Now,
		halfLife: DefaultHalfLife,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rates = cache.New[float64]("posting_rate",
		cache.WithTTL(PostingRateTTL), cache.WithClock(s.now), cache.WithCapacity(10000))
	s.stats = cache.New[statsMemo]("followed_stats",
		cache.WithTTL(StatsTTL), cache.WithClock(s.now), cache.WithCapacity(10000))
	return s
}

func (s *Scorer) memoKey(did atproto.DID) string {
	return string(did) + "@" + strconv.FormatUint(s.posts.Version(did), 10)
}

// PostingRate is the memoized PostingRate for did.
func (s *Scorer) PostingRate(did atproto.DID) float64 {
	key := s.memoKey(did)
	if rate, ok := s.rates.Get(key); ok {
		return rate
	}
	rate := PostingRate(s.posts, did, s.now())
	s.rates.Set(key, rate)
	return rate
}

// InteractionScores scores follows against viewer using memoized posting
// rates.
func (s *Scorer) InteractionScores(viewer atproto.DID, follows []atproto.DID) map[atproto.DID]float64 {
	return calculate(viewer, follows, s.posts, s.links, s.now(), s.halfLife, s.PostingRate)
}

// Stats returns did's memoized stats without a conversational score.
func (s *Scorer) Stats(did atproto.DID) (FollowedUserStats, bool) {
	key := s.memoKey(did)
	if memo, ok := s.stats.Get(key); ok {
		return memo.Stats, memo.OK
	}
	stats, ok := CalculateFollowedUserStats(s.posts, did, s.now())
	s.stats.Set(key, statsMemo{Stats: stats, OK: ok})
	return stats, ok
}

// FollowingStats returns stats for every follow with loaded posts, ordered by
// sortBy. Conversational sorting fills in interaction scores.
func (s *Scorer) FollowingStats(viewer atproto.DID, follows []atproto.DID, sortBy Sort) []FollowedUserStats {
	var scores map[atproto.DID]float64
	if sortBy == SortConversational {
		scores = s.InteractionScores(viewer, follows)
	}

	out := make([]FollowedUserStats, 0, len(follows))
	for _, did := range follows {
		stats, ok := s.Stats(did)
		if !ok {
			continue
		}
		stats.ConversationalScore = scores[did]
		out = append(out, stats)
	}
	SortFollowed(sortBy, out)
	return out
}
