package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// Sort selects how followed actors are ordered.
type Sort string

const (
	SortRecent         Sort = "recent"
	SortActive         Sort = "active"
	SortConversational Sort = "conversational"
)

// ParseSort parses a sort name. The empty string selects SortRecent.
func ParseSort(s string) (Sort, error) {
	switch Sort(s) {
	case "", SortRecent:
		return SortRecent, nil
	case SortActive, SortConversational:
		return Sort(s), nil
	default:
		return "", fmt.Errorf("unknown sort %q", s)
	}
}

const (
	recentWindow    = 6 * time.Hour
	activityGravity = 2.0

	conversationalEpsilon = 0.1
	activeEpsilon         = 0.0001
)

// FollowedUserStats summarises a followed actor's recent activity.
type FollowedUserStats struct {
	DID                 atproto.DID `json:"did"`
	LastPostAt          time.Time   `json:"lastPostAt"`
	ActiveScore         float64     `json:"activeScore"`
	ConversationalScore float64     `json:"conversationalScore"`
	RecentPostCount     int         `json:"recentPostCount"`
}

// CalculateFollowedUserStats computes did's stats from its loaded posts. ok is
// false when none are loaded. ConversationalScore is left for the caller.
func CalculateFollowedUserStats(posts PostSource, did atproto.DID, now time.Time) (FollowedUserStats, bool) {
	loaded := posts.PostsBy(did)
	if len(loaded) == 0 {
		return FollowedUserStats{}, false
	}

	stats := FollowedUserStats{DID: did}
	for _, p := range loaded {
		t := p.ActivityTime()
		if t.After(stats.LastPostAt) {
			stats.LastPostAt = t
		}
		age := now.Sub(t)
		if age < 0 {
			age = 0
		}
		if age < recentWindow {
			stats.RecentPostCount++
		}
		stats.ActiveScore += 1 / math.Pow(age.Hours()+1, activityGravity)
	}
	return stats, true
}

// SortFollowed orders stats in place for the given sort. Scores closer than
// a small epsilon fall back to the most recent post.
func SortFollowed(sortBy Sort, stats []FollowedUserStats) {
	sort.SliceStable(stats, func(i, j int) bool {
		return compareFollowed(sortBy, stats[i], stats[j]) < 0
	})
}

// compareFollowed is negative when a ranks before b.
func compareFollowed(sortBy Sort, a, b FollowedUserStats) float64 {
	switch sortBy {
	case SortConversational:
		if d := b.ConversationalScore - a.ConversationalScore; math.Abs(d) > conversationalEpsilon {
			return d
		}
	case SortActive:
		if d := b.ActiveScore - a.ActiveScore; math.Abs(d) > activeEpsilon {
			return d
		}
	}
	return float64(b.LastPostAt.Sub(a.LastPostAt))
}
