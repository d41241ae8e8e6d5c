package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/cache"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

const (
	defaultPDS           = "https://bsky.social"
	defaultSlingshot     = "https://slingshot.microcosm.blue"
	defaultConstellation = "https://constellation.microcosm.blue"

	// DefaultBacklinksTimeout bounds a single backlink query.
	DefaultBacklinksTimeout = 2 * time.Second

	identityTTL = 24 * time.Hour
	recordTTL   = 24 * time.Hour
)

var (
	// ErrNotFound is returned when a record or identity does not exist.
	ErrNotFound = domain.ErrNotFound

	// ErrTimeout is returned when a backlink query exceeds its deadline.
	ErrTimeout = domain.ErrTimeout
)

var (
	_ domain.RecordFetcher = (*Client)(nil)
	_ domain.RecordWriter  = (*Client)(nil)
)

var xrpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bluesky_threads_xrpc_requests_total",
	Help: "Outbound XRPC requests by method and status code",
}, []string{"method", "status"})

// Endpoints are the services the client talks to. Empty fields use the
// public defaults.
type Endpoints struct {
	// PDS is where Login and record writes go.
	PDS string

	// Slingshot serves identity resolution and cached record reads.
	Slingshot string

	// Constellation serves backlink queries.
	Constellation string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit paces outbound requests to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithCacheStore persists identity and record lookups in store.
func WithCacheStore(store cache.Store) Option {
	return func(c *Client) { c.store = store }
}

// WithBacklinksTimeout overrides DefaultBacklinksTimeout.
func WithBacklinksTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backlinksTimeout = d
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is an AT Protocol client. It reads records from each actor's PDS and
// from Slingshot, queries Constellation for backlinks, and writes records to
// the authenticated account's PDS. Identity and record lookups go through
// deduplicating caches.
type Client struct {
	endpoints        Endpoints
	httpClient       *http.Client
	limiter          *rate.Limiter
	store            cache.Store
	backlinksTimeout time.Duration
	logger           *slog.Logger

	handles *cache.Cache[atproto.DID]
	docs    *cache.Cache[domain.MiniDoc]
	records *cache.Cache[domain.Record]

	// populated after Login
	mu        sync.RWMutex
	accessJwt string
	did       atproto.DID
}

// NewClient creates a new client.
func NewClient(endpoints Endpoints, opts ...Option) *Client {
	if endpoints.PDS == "" {
		endpoints.PDS = defaultPDS
	}
	if endpoints.Slingshot == "" {
		endpoints.Slingshot = defaultSlingshot
	}
	if endpoints.Constellation == "" {
		endpoints.Constellation = defaultConstellation
	}
	endpoints.PDS = strings.TrimSuffix(endpoints.PDS, "/")
	endpoints.Slingshot = strings.TrimSuffix(endpoints.Slingshot, "/")
	endpoints.Constellation = strings.TrimSuffix(endpoints.Constellation, "/")

	c := &Client{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:          rate.NewLimiter(rate.Inf, 1),
		backlinksTimeout: DefaultBacklinksTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cacheOpts := func(prefix string, ttl time.Duration) []cache.Option {
		o := []cache.Option{
			cache.WithTTL(ttl),
			cache.WithCapacity(50000),
			cache.WithLogger(c.logger),
			// fetches outlive their callers; bound them by the request timeout,
			// which also covers time spent waiting on the rate limiter
			cache.WithFetchTimeout(c.httpClient.Timeout),
		}
		if c.store != nil {
			o = append(o, cache.WithStore(c.store, prefix))
		}
		return o
	}
	c.handles = cache.New[atproto.DID]("resolve_handle", cacheOpts("resolveHandle", identityTTL)...)
	c.docs = cache.New[domain.MiniDoc]("resolve_mini_doc", cacheOpts("resolveMiniDoc", identityTTL)...)
	c.records = cache.New[domain.Record]("fetch_record", cacheOpts("fetchRecord", recordTTL)...)
	return c
}

// Restore loads persisted lookups into the caches.
func (c *Client) Restore(ctx context.Context) error {
	if err := c.handles.Restore(ctx); err != nil {
		return fmt.Errorf("restore handles: %w", err)
	}
	if err := c.docs.Restore(ctx); err != nil {
		return fmt.Errorf("restore identities: %w", err)
	}
	if err := c.records.Restore(ctx); err != nil {
		return fmt.Errorf("restore records: %w", err)
	}
	return nil
}

// Close flushes pending cache writes and stops the cache persisters.
func (c *Client) Close() {
	c.handles.Close()
	c.docs.Close()
	c.records.Close()
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.post(ctx, c.endpoints.PDS, "com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.mu.Unlock()
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() atproto.DID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

// CreateRecord creates a record in the authenticated user's repo via
// com.atproto.repo.createRecord.
func (c *Client) CreateRecord(ctx context.Context, collection, rkey string, record any) (atproto.URI, error) {
	did := c.DID()
	if did == "" {
		return atproto.URI{}, domain.ErrReadOnly
	}

	body := writeRecordRequest{
		Repo:       did,
		Collection: collection,
		RKey:       rkey,
		Record:     record,
	}

	var resp createRecordResponse
	if err := c.post(ctx, c.endpoints.PDS, "com.atproto.repo.createRecord", body, &resp); err != nil {
		return atproto.URI{}, fmt.Errorf("create record: %w", err)
	}
	return resp.URI, nil
}

// DeleteRecord deletes a record from the authenticated user's repo via
// com.atproto.repo.deleteRecord.
func (c *Client) DeleteRecord(ctx context.Context, collection, rkey string) error {
	did := c.DID()
	if did == "" {
		return domain.ErrReadOnly
	}

	body := writeRecordRequest{
		Repo:       did,
		Collection: collection,
		RKey:       rkey,
	}
	if err := c.post(ctx, c.endpoints.PDS, "com.atproto.repo.deleteRecord", body, nil); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	c.records.Delete(atproto.NewURI(did, collection, rkey).String())
	return nil
}

func (c *Client) get(ctx context.Context, service, method string, params url.Values, result any) error {
	u := service + "/xrpc/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, method, result)
}

func (c *Client) post(ctx context.Context, service, method string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service+"/xrpc/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, result)
}

func (c *Client) do(req *http.Request, method string, result any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	c.mu.RLock()
	if c.accessJwt != "" && strings.HasPrefix(req.URL.String(), c.endpoints.PDS) {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		xrpcRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	xrpcRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Name, e.Message)
}

// Is matches ErrNotFound for missing records and identities.
func (e *APIError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	switch e.Name {
	case "RecordNotFound", "NotFound", "RepoNotFound", "HandleNotFound", "DidNotFound":
		return true
	}
	return e.Status == http.StatusNotFound
}

func newAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		apiErr.Name = parsed.Error
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}

// isTimeout reports whether err came from a deadline, as opposed to the
// caller cancelling.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

type createSessionResponse struct {
	AccessJwt string      `json:"accessJwt"`
	DID       atproto.DID `json:"did"`
	Handle    string      `json:"handle"`
}

type writeRecordRequest struct {
	Repo       atproto.DID `json:"repo"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     any         `json:"record,omitempty"`
}

type createRecordResponse struct {
	URI atproto.URI `json:"uri"`
	CID string      `json:"cid"`
}
