package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/config"
	"github.com/blackmichael/bluesky-threads/internal/domain"
	"github.com/blackmichael/bluesky-threads/internal/scoring"
	"github.com/blackmichael/bluesky-threads/internal/thread"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 500

	// refreshTimeout bounds the fetches triggered by refresh=true.
	refreshTimeout = 30 * time.Second
)

var httpRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bluesky_threads_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "status"})

// Server is the HTTP server that serves thread feeds and graph queries.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates a new HTTP server with the given feed service.
func NewServer(cfg *config.Config, feedService *domain.FeedService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /xrpc/blue.threads.getThreads", s.handleGetThreads)
	mux.HandleFunc("GET /xrpc/blue.threads.getFollowing", s.handleGetFollowing)
	mux.HandleFunc("GET /xrpc/blue.threads.getInteractionScores", s.handleGetInteractionScores)
	mux.HandleFunc("GET /xrpc/blue.threads.getBlockRelationship", s.handleGetBlockRelationship)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: refreshTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	store := s.feedService.Posts()
	actors := store.Actors()
	total := 0
	for _, did := range actors {
		total += store.PostCount(did)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"actors": len(actors),
		"posts":  total,
	})
}

// handleGetThreads serves the actor's assembled thread feed.
//
// Query parameters: actor (required), limit, hideReplies, ownPostsOnly,
// rootActor (repeatable), mute (repeatable), refresh.
func (s *Server) handleGetThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer, ok := s.resolveActor(w, r, "actor")
	if !ok {
		return
	}

	limit := defaultThreadLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxThreadLimit {
			s.logger.Warn("invalid limit parameter", "limit", l, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", maxThreadLimit))
			return
		}
		limit = parsed
	}

	hideReplies, err := parseBool(q.Get("hideReplies"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "hideReplies must be a boolean")
		return
	}
	ownOnly, err := parseBool(q.Get("ownPostsOnly"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "ownPostsOnly must be a boolean")
		return
	}
	refresh, err := parseBool(q.Get("refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "refresh must be a boolean")
		return
	}

	if refresh {
		s.refresh(r.Context(), viewer)
	}

	opts := domain.FeedOptions{
		Filter: thread.FilterOptions{
			HideReplies:  hideReplies,
			OwnPostsOnly: ownOnly,
			RootActors:   toDIDs(q["rootActor"]),
		},
		Mutes: toDIDs(q["mute"]),
		Limit: limit,
	}
	feed := s.feedService.Threads(viewer, opts)

	s.logger.Info("getThreads success", "actor", viewer, "threads_returned", len(feed.Threads))
	writeJSON(w, http.StatusOK, feed)
}

// refresh pulls the viewer's follows and newest posts before serving.
// Failures are logged; the feed is served from whatever is loaded.
func (s *Server) refresh(ctx context.Context, viewer atproto.DID) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	follows, err := s.feedService.FetchFollows(ctx, viewer)
	if err != nil {
		s.logger.Warn("failed to refresh follows", "actor", viewer, "error", err)
	}
	s.feedService.RefreshTimelines(ctx, append([]atproto.DID{viewer}, follows...), domain.DefaultTimelinePageSize)
}

func (s *Server) handleGetFollowing(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.resolveActor(w, r, "actor")
	if !ok {
		return
	}
	sortBy, err := scoring.ParseSort(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	stats := s.feedService.FollowingStats(viewer, sortBy)
	if stats == nil {
		stats = []scoring.FollowedUserStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":     viewer,
		"sort":      sortBy,
		"following": stats,
	})
}

func (s *Server) handleGetInteractionScores(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.resolveActor(w, r, "actor")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":  viewer,
		"scores": s.feedService.CalculateInteractionScores(viewer),
	})
}

func (s *Server) handleGetBlockRelationship(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.resolveActor(w, r, "actor")
	if !ok {
		return
	}
	other, ok := s.resolveActor(w, r, "other")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":        viewer,
		"other":        other,
		"relationship": s.feedService.GetBlockRelationship(viewer, other),
	})
}

// resolveActor reads a handle or DID from the named query parameter. On
// failure it writes the error response and returns false.
func (s *Server) resolveActor(w http.ResponseWriter, r *http.Request, param string) (atproto.DID, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", param+" parameter is required")
		return "", false
	}
	did, err := s.feedService.ResolveActor(r.Context(), raw)
	switch {
	case err == nil:
		return did, true
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "ActorNotFound", fmt.Sprintf("could not resolve %s", raw))
	default:
		s.logger.Error("failed to resolve actor", param, raw, "error", err)
		writeError(w, http.StatusBadGateway, "UpstreamError", "failed to resolve actor")
	}
	return "", false
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func toDIDs(values []string) []atproto.DID {
	if len(values) == 0 {
		return nil
	}
	out := make([]atproto.DID, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, atproto.DID(v))
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)
		route := r.URL.Path
		if wrapped.status == http.StatusNotFound || wrapped.status == http.StatusMethodNotAllowed {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(wrapped.status)).Observe(elapsed.Seconds())
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", elapsed,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
