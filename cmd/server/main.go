package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/backlinks"
	"github.com/blackmichael/bluesky-threads/internal/badger"
	"github.com/blackmichael/bluesky-threads/internal/bluesky"
	"github.com/blackmichael/bluesky-threads/internal/cache"
	"github.com/blackmichael/bluesky-threads/internal/config"
	"github.com/blackmichael/bluesky-threads/internal/domain"
	"github.com/blackmichael/bluesky-threads/internal/firehose"
	"github.com/blackmichael/bluesky-threads/internal/httpserver"
	"github.com/blackmichael/bluesky-threads/internal/notifications"
	"github.com/blackmichael/bluesky-threads/internal/postgres"
	"github.com/blackmichael/bluesky-threads/internal/posts"
	"github.com/blackmichael/bluesky-threads/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// backend is durable storage for cache snapshots and stream cursors.
type backend interface {
	cache.Store
	domain.CursorRepository
	io.Closer
}

func openBackend(ctx context.Context, cfg config.Store, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case config.StorePostgres:
		return postgres.NewRepository(ctx, cfg.DatabaseURL)
	case config.StoreBadger:
		return badger.Open(badger.Config{Path: cfg.Path, Logger: logger})
	case config.StoreMemory:
		return sqlite.Open(":memory:")
	default:
		return sqlite.Open(cfg.Path)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()
	logger.Info("opened store", "backend", cfg.Store.Backend)

	client := bluesky.NewClient(
		bluesky.Endpoints{
			PDS:           cfg.Endpoints.PDS,
			Slingshot:     cfg.Endpoints.Slingshot,
			Constellation: cfg.Endpoints.Constellation,
		},
		bluesky.WithCacheStore(store),
		bluesky.WithRateLimit(cfg.Fetch.RequestsPerSecond, cfg.Fetch.Concurrency),
		bluesky.WithBacklinksTimeout(cfg.Fetch.BacklinksTimeout.Duration),
		bluesky.WithLogger(logger),
	)
	// flushes queued cache writes before the store closes
	defer client.Close()

	if err := client.Restore(ctx); err != nil {
		logger.Warn("failed to restore caches, starting cold", "error", err)
	}

	opts := []domain.Option{domain.WithFetchConcurrency(cfg.Fetch.Concurrency)}
	if cfg.Identifier != "" {
		if err := client.Login(ctx, cfg.Identifier, cfg.AppPassword); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		logger.Info("logged in", "did", client.DID())
		opts = append(opts, domain.WithWriter(client))
	}

	links := backlinks.NewIndex()
	feedService := domain.NewFeedService(posts.NewStore(links), links, client, store, logger, opts...)

	// Start the firehose subscriber in the background
	subscriber := firehose.NewSubscriber(cfg.Endpoints.Jetstream, feedService, logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	if cfg.Viewer != "" {
		viewer, err := feedService.ResolveActor(ctx, cfg.Viewer)
		if err != nil {
			return fmt.Errorf("resolve viewer: %w", err)
		}
		feedService.Track(viewer)
		go warm(ctx, feedService, viewer, logger)

		stream := notifications.NewSubscriber(cfg.Endpoints.Spacedust, []atproto.DID{viewer}, feedService, logger)
		go func() {
			if err := stream.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("notification stream exited with error", "error", err)
			}
		}()
	}

	if every := cfg.Fetch.TombstoneSweepEvery.Duration; every > 0 {
		go feedService.StartTombstoneSweep(ctx, every, cfg.Fetch.TombstoneMaxAge.Duration)
	}

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "viewer", cfg.Viewer)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// warm loads the viewer's follows, their recent timelines and the reposts
// needed for interaction scores.
func warm(ctx context.Context, feedService *domain.FeedService, viewer atproto.DID, logger *slog.Logger) {
	start := time.Now()
	follows, err := feedService.FetchFollows(ctx, viewer)
	if err != nil {
		logger.Error("failed to fetch follows", "viewer", viewer, "error", err)
		return
	}
	actors := append([]atproto.DID{viewer}, follows...)
	feedService.FetchTimelines(ctx, actors, domain.DefaultTimelinePageSize)
	feedService.FetchForInteractionsAll(ctx, actors)
	logger.Info("warmed viewer feed",
		"viewer", viewer,
		"follows", len(follows),
		"duration", time.Since(start),
	)
}
