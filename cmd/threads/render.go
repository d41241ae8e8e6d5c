package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/scoring"
	"github.com/blackmichael/bluesky-threads/internal/thread"
)

const previewWidth = 80

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderThreads(w io.Writer, threads []thread.Thread) {
	for i, t := range threads {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "── %s (%s)\n", t.RootURI, t.NewestTime.Format(time.DateTime))
		if t.BranchParent != nil {
			fmt.Fprintf(w, "   ↳ continues from %s\n", t.BranchParent.Post.URI)
		}
		for _, p := range t.Posts {
			indent := strings.Repeat("  ", p.Depth)
			var flags string
			switch {
			case p.Blocked:
				flags = " [blocked]"
			case p.Muted:
				flags = " [muted]"
			}
			fmt.Fprintf(w, "%s%s%s: %s\n", indent, p.DID, flags, preview(p.Post.Record.Text))
		}
	}
}

func renderFollowing(w io.Writer, stats []scoring.FollowedUserStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DID\tLAST POST\tRECENT\tACTIVE\tCONVERSATIONAL")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%.3f\n",
			s.DID, s.LastPostAt.Format(time.DateTime), s.RecentPostCount, s.ActiveScore, s.ConversationalScore)
	}
	tw.Flush()
}

func renderScores(w io.Writer, scores map[atproto.DID]float64) {
	dids := make([]atproto.DID, 0, len(scores))
	for did := range scores {
		dids = append(dids, did)
	}
	sort.Slice(dids, func(i, j int) bool {
		if scores[dids[i]] != scores[dids[j]] {
			return scores[dids[i]] > scores[dids[j]]
		}
		return dids[i] < dids[j]
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DID\tSCORE")
	for _, did := range dids {
		fmt.Fprintf(tw, "%s\t%.4f\n", did, scores[did])
	}
	tw.Flush()
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewWidth {
		return text
	}
	return string(runes[:previewWidth-1]) + "…"
}
