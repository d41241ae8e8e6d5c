package bluesky

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

// DefaultListLimit is the page size used when ListRecords is given none.
const DefaultListLimit = 100

type listRecordsResponse struct {
	Cursor  string          `json:"cursor"`
	Records []domain.Record `json:"records"`
}

// ListRecords returns one page of actor's records from its own PDS, newest
// first. Every record returned also primes the record cache.
func (c *Client) ListRecords(ctx context.Context, actor atproto.DID, collection, cursor string, limit int) (domain.RecordPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	doc, err := c.ResolveMiniDoc(ctx, string(actor))
	if err != nil {
		return domain.RecordPage{}, fmt.Errorf("resolve pds of %s: %w", actor, err)
	}

	params := url.Values{
		"repo":       {string(doc.DID)},
		"collection": {collection},
		"limit":      {strconv.Itoa(limit)},
		"reverse":    {"false"},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp listRecordsResponse
	if err := c.get(ctx, strings.TrimRight(doc.PDS, "/"), "com.atproto.repo.listRecords", params, &resp); err != nil {
		return domain.RecordPage{}, fmt.Errorf("list records: %w", err)
	}

	for _, rec := range resp.Records {
		c.records.Set(rec.URI.String(), rec)
	}
	return domain.RecordPage{Records: resp.Records, Cursor: resp.Cursor}, nil
}

// ListRecordsUntil pages through actor's records starting at cursor. It stops
// when a page is empty, when there is no further cursor, or when the cursor's
// timestamp is at or below floor. A cursor that is not a TID also stops the
// walk, since its position cannot be compared. A zero floor pages to the end.
func (c *Client) ListRecordsUntil(ctx context.Context, actor atproto.DID, collection, cursor string, floor time.Time) ([]domain.Record, string, error) {
	var out []domain.Record
	for {
		page, err := c.ListRecords(ctx, actor, collection, cursor, DefaultListLimit)
		if err != nil {
			return out, cursor, err
		}
		cursor = page.Cursor
		out = append(out, page.Records...)
		if len(page.Records) == 0 || cursor == "" {
			return out, cursor, nil
		}
		if floor.IsZero() {
			continue
		}
		ts, ok := atproto.TimestampFromCursor(cursor)
		if !ok {
			c.logger.Warn("cursor is not a timestamp, stopping",
				"actor", actor, "collection", collection, "cursor", cursor)
			return out, cursor, nil
		}
		if ts <= floor.UnixMicro() {
			return out, cursor, nil
		}
		c.logger.Debug("continuing to list records",
			"actor", actor, "collection", collection, "cursor", cursor, "floor", floor)
	}
}

// GetRecord fetches a single record through Slingshot. Concurrent requests
// for the same record share one fetch.
func (c *Client) GetRecord(ctx context.Context, collection string, actor atproto.DID, rkey string) (domain.Record, error) {
	return c.GetRecordByURI(ctx, atproto.NewURI(actor, collection, rkey))
}

// GetRecordByURI is GetRecord addressed by record URI.
func (c *Client) GetRecordByURI(ctx context.Context, uri atproto.URI) (domain.Record, error) {
	return c.records.GetOrFetch(ctx, uri.String(), func(ctx context.Context) (domain.Record, error) {
		params := url.Values{
			"repo":       {string(uri.DID)},
			"collection": {uri.Collection},
			"rkey":       {uri.RKey},
		}
		var rec domain.Record
		if err := c.get(ctx, c.endpoints.Slingshot, "com.atproto.repo.getRecord", params, &rec); err != nil {
			return domain.Record{}, fmt.Errorf("get record %s: %w", uri, err)
		}
		if rec.URI.IsZero() {
			rec.URI = uri
		}
		return rec, nil
	})
}
