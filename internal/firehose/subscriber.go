package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

const (
	// DefaultURL is the public Jetstream instance used when none is
	// configured.
	DefaultURL = "wss://jetstream2.fr.hose.cam/subscribe"

	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	statsLogInterval   = 30 * time.Second
	reconnectDelay     = 5 * time.Second
)

// wantedCollections is the set of collections requested from Jetstream:
// everything that can change a timeline or the backlink index.
var wantedCollections = []string{
	atproto.CollectionPost,
	atproto.CollectionRepost,
	atproto.CollectionLike,
	atproto.CollectionBlock,
	atproto.CollectionFollow,
}

var firehoseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bluesky_threads_firehose_events_total",
	Help: "Jetstream events by kind and outcome",
}, []string{"kind", "outcome"})

// Handler applies commits and stores the resume cursor. *domain.FeedService
// satisfies it.
type Handler interface {
	HandleCommit(ctx context.Context, c domain.Commit) (bool, error)
	domain.CursorRepository
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithReconnectDelay sets the pause between a dropped connection and the
// next dial.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Subscriber) { s.reconnectDelay = d }
}

// WithCursorSaveInterval sets how often the resume cursor is persisted while
// connected.
func WithCursorSaveInterval(d time.Duration) Option {
	return func(s *Subscriber) { s.cursorSaveInterval = d }
}

// Subscriber connects to the Jetstream firehose and feeds commits to a
// Handler.
type Subscriber struct {
	url     string
	handler Handler
	logger  *slog.Logger

	reconnectDelay     time.Duration
	cursorSaveInterval time.Duration
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, handler Handler, logger *slog.Logger, opts ...Option) *Subscriber {
	if firehoseURL == "" {
		firehoseURL = DefaultURL
	}
	s := &Subscriber{
		url:                firehoseURL,
		handler:            handler,
		logger:             logger,
		reconnectDelay:     reconnectDelay,
		cursorSaveInterval: cursorSaveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("firehose connection error, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.handler.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to firehose")

	var latestCursor, savedCursor int64
	saveCursor := func() {
		if latestCursor == savedCursor {
			return
		}
		// detached so the final save survives shutdown
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.handler.UpdateCursor(saveCtx, cursorServiceName, latestCursor); err != nil {
			s.logger.Error("failed to save cursor", "error", err)
			return
		}
		savedCursor = latestCursor
	}
	defer saveCursor()

	lastCursorSave := time.Now()
	lastStatsLog := time.Now()
	var eventsReceived, commitsReceived, commitsApplied int64

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			firehoseEvents.WithLabelValues("unknown", "invalid").Inc()
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		if event.TimeUS > latestCursor {
			latestCursor = event.TimeUS
		}

		if commit, ok := event.commit(); ok {
			commitsReceived++
			changed, err := s.handler.HandleCommit(ctx, commit)
			switch {
			case err != nil:
				firehoseEvents.WithLabelValues(event.Kind, "error").Inc()
				s.logger.Error("failed to handle commit",
					"uri", commit.URI().String(),
					"operation", commit.Operation,
					"error", err,
				)
			case changed:
				firehoseEvents.WithLabelValues(event.Kind, "applied").Inc()
				commitsApplied++
			default:
				firehoseEvents.WithLabelValues(event.Kind, "ignored").Inc()
			}
		} else {
			firehoseEvents.WithLabelValues(event.Kind, "ignored").Inc()
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"commits_received", commitsReceived,
				"commits_applied", commitsApplied,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= s.cursorSaveInterval {
			saveCursor()
			lastCursorSave = time.Now()
		}
	}
}
