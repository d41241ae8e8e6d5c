package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
	"github.com/blackmichael/bluesky-threads/internal/scoring"
	"github.com/blackmichael/bluesky-threads/internal/thread"
)

func newThreadsCmd(a *app) *cobra.Command {
	var (
		limit       int
		pages       int
		hideReplies bool
		ownOnly     bool
		rootActors  []string
		mutes       []string
	)
	cmd := &cobra.Command{
		Use:   "threads ACTOR",
		Short: "Show the threaded feed of ACTOR and everyone they follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx, false)
			if err != nil {
				return err
			}
			viewer, err := svc.ResolveActor(ctx, args[0])
			if err != nil {
				return err
			}

			follows, err := svc.FetchFollows(ctx, viewer)
			if err != nil {
				return err
			}
			actors := append([]atproto.DID{viewer}, follows...)
			for range pages {
				svc.FetchTimelines(ctx, actors, domain.DefaultTimelinePageSize)
			}

			feed := svc.Threads(viewer, domain.FeedOptions{
				Filter: thread.FilterOptions{
					HideReplies:  hideReplies,
					OwnPostsOnly: ownOnly,
					RootActors:   toDIDs(rootActors),
				},
				Mutes: toDIDs(mutes),
				Limit: limit,
			})
			if a.asJSON {
				return writeJSON(a.out(cmd), feed)
			}
			renderThreads(a.out(cmd), feed.Threads)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum threads to show")
	cmd.Flags().IntVar(&pages, "pages", 1, "timeline pages to fetch per actor")
	cmd.Flags().BoolVar(&hideReplies, "hide-replies", false, "drop threads that start with a reply")
	cmd.Flags().BoolVar(&ownOnly, "own", false, "only threads written entirely by ACTOR")
	cmd.Flags().StringSliceVar(&rootActors, "root", nil, "only conversations rooted at these DIDs")
	cmd.Flags().StringSliceVar(&mutes, "mute", nil, "flag posts by these DIDs as muted")
	return cmd
}

func newFollowingCmd(a *app) *cobra.Command {
	var sortBy string
	cmd := &cobra.Command{
		Use:   "following ACTOR",
		Short: "Rank the accounts ACTOR follows by recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := scoring.ParseSort(sortBy)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := a.service(ctx, false)
			if err != nil {
				return err
			}
			viewer, err := svc.ResolveActor(ctx, args[0])
			if err != nil {
				return err
			}
			follows, err := svc.FetchFollows(ctx, viewer)
			if err != nil {
				return err
			}
			svc.FetchForInteractionsAll(ctx, append([]atproto.DID{viewer}, follows...))

			stats := svc.FollowingStats(viewer, order)
			if a.asJSON {
				return writeJSON(a.out(cmd), stats)
			}
			renderFollowing(a.out(cmd), stats)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sortBy, "sort", "s", string(scoring.SortRecent), "recent, active or conversational")
	return cmd
}

func newScoresCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scores ACTOR",
		Short: "Show how much ACTOR interacts with each account they follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx, false)
			if err != nil {
				return err
			}
			viewer, err := svc.ResolveActor(ctx, args[0])
			if err != nil {
				return err
			}
			follows, err := svc.FetchFollows(ctx, viewer)
			if err != nil {
				return err
			}
			svc.FetchForInteractionsAll(ctx, append([]atproto.DID{viewer}, follows...))

			scores := svc.CalculateInteractionScores(viewer)
			if a.asJSON {
				return writeJSON(a.out(cmd), scores)
			}
			renderScores(a.out(cmd), scores)
			return nil
		},
	}
}

func newBlocksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks ACTOR OTHER",
		Short: "Show whether ACTOR and OTHER block each other",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx, false)
			if err != nil {
				return err
			}
			actor, err := svc.ResolveActor(ctx, args[0])
			if err != nil {
				return err
			}
			other, err := svc.ResolveActor(ctx, args[1])
			if err != nil {
				return err
			}
			if _, err := svc.FetchBacklinks(ctx, string(other), atproto.EdgeBlock, []atproto.DID{actor}); err != nil {
				return err
			}
			if _, err := svc.FetchBacklinks(ctx, string(actor), atproto.EdgeBlock, []atproto.DID{other}); err != nil {
				return err
			}

			rel := svc.GetBlockRelationship(actor, other)
			if a.asJSON {
				return writeJSON(a.out(cmd), rel)
			}
			fmt.Fprintf(a.out(cmd), "%s blocks %s: %t\n", actor, other, rel.Blocks)
			fmt.Fprintf(a.out(cmd), "%s blocks %s: %t\n", other, actor, rel.BlockedBy)
			return nil
		},
	}
}

// newInteractCmd builds the like and repost commands.
func newInteractCmd(a *app, name string) *cobra.Command {
	kind := atproto.EdgeLike
	if name == "repost" {
		kind = atproto.EdgeRepost
	}

	var undo bool
	cmd := &cobra.Command{
		Use:   name + " POST_URI",
		Short: fmt.Sprintf("%s a post as the logged-in account", name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := atproto.ParseURI(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := a.service(ctx, true)
			if err != nil {
				return err
			}

			if undo {
				// load our existing records so they can be found and deleted
				if _, err := svc.FetchBacklinks(ctx, uri.String(), kind, []atproto.DID{a.client.DID()}); err != nil {
					return err
				}
				if err := svc.DeleteBacklink(ctx, uri, kind); err != nil {
					return err
				}
				fmt.Fprintf(a.out(cmd), "removed %s of %s\n", name, uri)
				return nil
			}

			post, err := svc.FetchPost(ctx, uri)
			if err != nil {
				return err
			}
			link, err := svc.CreateBacklink(ctx, post, kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out(cmd), "created %s\n", link.URI())
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "delete the existing "+name+" instead")
	return cmd
}

func toDIDs(values []string) []atproto.DID {
	out := make([]atproto.DID, 0, len(values))
	for _, v := range values {
		out = append(out, atproto.DID(v))
	}
	return out
}
