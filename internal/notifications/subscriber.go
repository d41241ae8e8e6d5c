// Package notifications streams link notifications from Spacedust: records
// elsewhere in the network that link to a watched account or its records.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

// DefaultURL is the public Spacedust instance.
const DefaultURL = "https://spacedust.microcosm.blue"

const reconnectDelay = 5 * time.Second

// DefaultSources are the edge kinds watched when none are configured.
var DefaultSources = []atproto.EdgeKind{
	atproto.EdgeReplyParent,
	atproto.EdgeQuote,
	atproto.EdgeRepost,
	atproto.EdgeLike,
	atproto.EdgeBlock,
	atproto.EdgeFollow,
}

var notificationsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bluesky_threads_link_notifications_total",
	Help: "Spacedust link notifications by source and outcome",
}, []string{"source", "outcome"})

// Handler applies a link notification. *domain.FeedService satisfies it.
type Handler interface {
	HandleLinkNotification(ctx context.Context, n domain.LinkNotification) error
}

type message struct {
	Kind   string            `json:"kind"`
	Origin string            `json:"origin"`
	Link   *linkNotification `json:"link"`
}

type linkNotification struct {
	Operation    string `json:"operation"`
	Source       string `json:"source"`
	SourceRecord string `json:"source_record"`
	SourceRev    string `json:"source_rev"`
	Subject      string `json:"subject"`
}

// Subscriber keeps a Spacedust subscription open for a set of accounts.
type Subscriber struct {
	baseURL  string
	subjects []atproto.DID
	sources  []atproto.EdgeKind
	handler  Handler
	logger   *slog.Logger

	reconnectDelay time.Duration
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithSources overrides DefaultSources.
func WithSources(sources ...atproto.EdgeKind) Option {
	return func(s *Subscriber) { s.sources = sources }
}

// WithReconnectDelay sets the pause between a dropped connection and the
// next dial.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Subscriber) { s.reconnectDelay = d }
}

// NewSubscriber watches links to subjects and to every record they own.
func NewSubscriber(baseURL string, subjects []atproto.DID, handler Handler, logger *slog.Logger, opts ...Option) *Subscriber {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	s := &Subscriber{
		baseURL:        baseURL,
		subjects:       subjects,
		sources:        DefaultSources,
		handler:        handler,
		logger:         logger,
		reconnectDelay: reconnectDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start streams notifications until ctx is cancelled, reconnecting after
// errors. Spacedust has no replay, so anything sent while disconnected is
// missed.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("notification stream error, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

// buildURL converts the service URL to its websocket form and adds the
// subscription filters.
func (s *Subscriber) buildURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse spacedust url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/subscribe"

	q := url.Values{}
	for _, source := range s.sources {
		q.Add("wantedSources", source.String())
	}
	for _, did := range s.subjects {
		q.Add("wantedSubjectDids", string(did))
	}
	for _, did := range s.subjects {
		q.Add("wantedSubjects", "at://"+string(did))
	}
	q.Set("instant", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return err
	}
	s.logger.Info("connecting to notification stream", "url", wsURL, "subjects", len(s.subjects))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial spacedust: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}
		s.handle(ctx, data)
	}
}

func (s *Subscriber) handle(ctx context.Context, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		notificationsReceived.WithLabelValues("unknown", "invalid").Inc()
		s.logger.Error("failed to parse notification", "error", err)
		return
	}
	if msg.Kind != "link" || msg.Link == nil {
		return
	}

	n := domain.LinkNotification{
		Operation:    msg.Link.Operation,
		Source:       msg.Link.Source,
		SourceRecord: msg.Link.SourceRecord,
		SourceRev:    msg.Link.SourceRev,
		Subject:      msg.Link.Subject,
	}
	source := "other"
	if kind, err := atproto.ParseEdgeKind(n.Source); err == nil {
		source = kind.String()
	}

	if err := s.handler.HandleLinkNotification(ctx, n); err != nil {
		notificationsReceived.WithLabelValues(source, "error").Inc()
		s.logger.Error("failed to handle notification",
			"source", n.Source,
			"record", n.SourceRecord,
			"error", err,
		)
		return
	}
	notificationsReceived.WithLabelValues(source, "applied").Inc()
	s.logger.Debug("notification applied",
		"operation", n.Operation,
		"source", n.Source,
		"record", n.SourceRecord,
		"subject", n.Subject,
	)
}
