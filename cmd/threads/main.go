package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackmichael/bluesky-threads/internal/backlinks"
	"github.com/blackmichael/bluesky-threads/internal/bluesky"
	"github.com/blackmichael/bluesky-threads/internal/config"
	"github.com/blackmichael/bluesky-threads/internal/domain"
	"github.com/blackmichael/bluesky-threads/internal/posts"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares. It is built lazily so --help and
// argument errors need no configuration.
type app struct {
	verbose bool
	asJSON  bool

	cfg    *config.Config
	client *bluesky.Client
	feed   *domain.FeedService
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "threads",
		Short:         "Read Bluesky conversations as threads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log fetches to stderr")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		newThreadsCmd(a),
		newFollowingCmd(a),
		newScoresCmd(a),
		newBlocksCmd(a),
		newInteractCmd(a, "like"),
		newInteractCmd(a, "repost"),
	)
	return root
}

// service builds the feed service on first use. login is needed for writes.
func (a *app) service(ctx context.Context, login bool) (*domain.FeedService, error) {
	if a.feed != nil {
		return a.feed, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a.client = bluesky.NewClient(
		bluesky.Endpoints{
			PDS:           cfg.Endpoints.PDS,
			Slingshot:     cfg.Endpoints.Slingshot,
			Constellation: cfg.Endpoints.Constellation,
		},
		bluesky.WithRateLimit(cfg.Fetch.RequestsPerSecond, cfg.Fetch.Concurrency),
		bluesky.WithBacklinksTimeout(cfg.Fetch.BacklinksTimeout.Duration),
		bluesky.WithLogger(logger),
	)

	opts := []domain.Option{domain.WithFetchConcurrency(cfg.Fetch.Concurrency)}
	if login {
		if cfg.Identifier == "" {
			return nil, fmt.Errorf("set BLUESKY_IDENTIFIER and BLUESKY_APP_PASSWORD to write records")
		}
		if err := a.client.Login(ctx, cfg.Identifier, cfg.AppPassword); err != nil {
			return nil, err
		}
		opts = append(opts, domain.WithWriter(a.client))
	}

	links := backlinks.NewIndex()
	a.feed = domain.NewFeedService(posts.NewStore(links), links, a.client, noCursors{}, logger, opts...)
	return a.feed, nil
}

// noCursors discards stream cursors; the CLI never subscribes to streams.
type noCursors struct{}

func (noCursors) GetCursor(context.Context, string) (int64, error)  { return 0, nil }
func (noCursors) UpdateCursor(context.Context, string, int64) error { return nil }

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
}

func (a *app) out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
