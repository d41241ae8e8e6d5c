package domain

import (
	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/thread"
)

// FeedOptions shape a thread feed.
type FeedOptions struct {
	Filter thread.FilterOptions

	// Mutes flags posts by these actors. Muted posts are kept so threads
	// stay intact.
	Mutes []atproto.DID

	// Limit caps the number of threads. Zero means no limit.
	Limit int
}

// Feed is the viewer's assembled thread list.
type Feed struct {
	Viewer  atproto.DID     `json:"viewer"`
	Threads []thread.Thread `json:"threads"`
}
