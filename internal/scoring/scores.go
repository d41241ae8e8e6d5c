// Package scoring ranks followed actors by decayed, rate-normalized
// interaction with a viewer.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// Interaction weights.
const (
	ReplyWeight  = 6.0
	QuoteWeight  = 4.0
	RepostWeight = 2.0
)

// DefaultHalfLife is the age at which an interaction counts half.
const DefaultHalfLife = 72 * time.Hour

const (
	postingRateWindow = 7 * 24 * time.Hour
	day               = 24 * time.Hour

	// repostSaturation controls how quickly repeated reposts of one post by
	// one actor stop adding score.
	repostSaturation = 9.0
)

// PostSource is the read side of the post store the scorer needs.
type PostSource interface {
	Get(uri atproto.URI) (atproto.Post, bool)
	PostsBy(did atproto.DID) []atproto.Post
	RepliesTo(did atproto.DID) []atproto.URI
	Version(did atproto.DID) uint64
}

// LinkSource is the read side of the backlink index the scorer needs.
type LinkSource interface {
	FindBy(subject string, kind atproto.EdgeKind, actor atproto.DID) []atproto.Backlink
	All(subject string, kind atproto.EdgeKind) []atproto.Backlink
}

// Decay returns the weight multiplier for an interaction of the given age.
// Negative ages count as zero.
func Decay(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 / halfLife.Seconds() * age.Seconds())
}

// RepostFactor is the multiplier for the nth (1-based) repost of the same
// post by the same actor.
func RepostFactor(n int) float64 {
	if n < 1 {
		n = 1
	}
	return repostSaturation / (repostSaturation + float64(n-1))
}

// PostingRate is did's posts per day over the trailing week. The divisor is
// the number of days the window's posts actually span, at least one.
func PostingRate(posts PostSource, did atproto.DID, now time.Time) float64 {
	floor := now.Add(-postingRateWindow)
	count := 0
	oldest := now
	for _, p := range posts.PostsBy(did) {
		t := p.ActivityTime()
		if t.Before(floor) || t.After(now) {
			continue
		}
		count++
		if t.Before(oldest) {
			oldest = t
		}
	}
	if count == 0 {
		return 0
	}
	days := now.Sub(oldest).Hours() / 24
	if days < 1 {
		days = 1
	}
	return float64(count) / days
}

// CalculateInteractionScores scores each followed actor by its interactions
// with viewer in either direction: replies, quotes and reposts, each decayed
// by age and the total divided by sqrt(postingRate+1). Every follow other
// than viewer gets an entry; scores are never negative.
func CalculateInteractionScores(
	viewer atproto.DID,
	follows []atproto.DID,
	posts PostSource,
	links LinkSource,
	now time.Time,
) map[atproto.DID]float64 {
	rate := func(did atproto.DID) float64 { return PostingRate(posts, did, now) }
	return calculate(viewer, follows, posts, links, now, DefaultHalfLife, rate)
}

func calculate(
	viewer atproto.DID,
	follows []atproto.DID,
	posts PostSource,
	links LinkSource,
	now time.Time,
	halfLife time.Duration,
	rate func(atproto.DID) float64,
) map[atproto.DID]float64 {
	raw := make(map[atproto.DID]float64, len(follows))
	for _, did := range follows {
		if did != viewer {
			raw[did] = 0
		}
	}
	credit := func(did atproto.DID, weight float64, at time.Time) {
		if _, ok := raw[did]; !ok {
			return
		}
		raw[did] += weight * Decay(now.Sub(at), halfLife)
	}

	viewerPosts := posts.PostsBy(viewer)

	// viewer → target: replies and quotes written by the viewer
	for _, p := range viewerPosts {
		at := p.ActivityTime()
		if parent, ok := p.ParentURI(); ok {
			credit(parent.DID, ReplyWeight, at)
		}
		if quoted, ok := p.QuotedURI(); ok {
			credit(quoted.DID, QuoteWeight, at)
		}
	}

	// target → viewer: replies to the viewer's posts
	for _, uri := range posts.RepliesTo(viewer) {
		p, ok := posts.Get(uri)
		if !ok {
			continue
		}
		credit(uri.DID, ReplyWeight, p.ActivityTime())
	}

	// target → viewer: quotes and reposts of the viewer's posts
	for _, p := range viewerPosts {
		subject := p.URI.String()
		for _, link := range links.All(subject, atproto.EdgeQuote) {
			credit(link.DID, QuoteWeight, linkTime(posts, link, p))
		}
		creditReposts(links.All(subject, atproto.EdgeRepost), p, posts, credit)
	}

	// viewer → target: the viewer's reposts of the target's posts
	for did := range raw {
		for _, p := range posts.PostsBy(did) {
			reposts := links.FindBy(p.URI.String(), atproto.EdgeRepost, viewer)
			for i, link := range reposts {
				credit(did, RepostWeight*RepostFactor(i+1), linkTime(posts, link, p))
			}
		}
	}

	scores := make(map[atproto.DID]float64, len(raw))
	for did, score := range raw {
		if score <= 0 {
			scores[did] = 0
			continue
		}
		scores[did] = score / math.Sqrt(rate(did)+1)
	}
	return scores
}

// creditReposts credits each reposting actor, saturating repeated reposts of
// subject by the same actor.
func creditReposts(
	reposts []atproto.Backlink,
	subject atproto.Post,
	posts PostSource,
	credit func(atproto.DID, float64, time.Time),
) {
	// All orders by actor then rkey, so runs are per actor in creation order
	sort.SliceStable(reposts, func(i, j int) bool { return reposts[i].DID < reposts[j].DID })
	n := 0
	var prev atproto.DID
	for _, link := range reposts {
		if link.DID != prev {
			n = 0
			prev = link.DID
		}
		n++
		credit(link.DID, RepostWeight*RepostFactor(n), linkTime(posts, link, subject))
	}
}

// linkTime is when the linking record was made: its own post when loaded,
// else its rkey timestamp, else the subject's time.
func linkTime(posts PostSource, link atproto.Backlink, subject atproto.Post) time.Time {
	if p, ok := posts.Get(link.URI()); ok {
		return p.ActivityTime()
	}
	if tid, err := atproto.ParseTID(link.RKey); err == nil {
		return tid.Time()
	}
	return subject.ActivityTime()
}
