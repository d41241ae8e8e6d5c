package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

var (
	// ErrNotFound is returned when a record or identity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a backlink query exceeds its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrReadOnly is returned by write operations when no account is
	// authenticated.
	ErrReadOnly = errors.New("no authenticated account")
)

// Record is a raw repository record.
type Record struct {
	URI   atproto.URI     `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RecordPage is one page of com.atproto.repo.listRecords. Cursor is empty
// on the last page.
type RecordPage struct {
	Records []Record
	Cursor  string
}

// BacklinksPage is one page of backlinks from the backlink index service.
type BacklinksPage struct {
	Total   int
	Records []atproto.Backlink
	Cursor  string
}

// MiniDoc is a resolved identity: the actor's handle, PDS endpoint and
// signing key.
type MiniDoc struct {
	DID        atproto.DID `json:"did"`
	Handle     string      `json:"handle"`
	PDS        string      `json:"pds"`
	SigningKey string      `json:"signing_key"`
}

// RecordFetcher reads records, backlinks and identities from the network.
type RecordFetcher interface {
	// ListRecords returns one page of actor's records in collection, newest
	// first. A limit of zero uses the service default.
	ListRecords(ctx context.Context, actor atproto.DID, collection, cursor string, limit int) (RecordPage, error)

	// ListRecordsUntil pages through actor's records starting at cursor until
	// the pages run out or the cursor's timestamp falls at or below floor.
	// It returns every record seen and the last cursor. A zero floor pages
	// to the end.
	ListRecordsUntil(ctx context.Context, actor atproto.DID, collection, cursor string, floor time.Time) ([]Record, string, error)

	// GetRecord fetches a single record. Missing records return ErrNotFound.
	GetRecord(ctx context.Context, collection string, actor atproto.DID, rkey string) (Record, error)

	// GetRecordByURI is GetRecord addressed by record URI.
	GetRecordByURI(ctx context.Context, uri atproto.URI) (Record, error)

	// GetBacklinks returns records of kind pointing at subject, optionally
	// restricted to filterActors. Slow queries return ErrTimeout.
	GetBacklinks(ctx context.Context, subject string, kind atproto.EdgeKind, filterActors []atproto.DID, limit int) (BacklinksPage, error)

	// ResolveHandle resolves a handle to its DID.
	ResolveHandle(ctx context.Context, handle string) (atproto.DID, error)

	// ResolveMiniDoc resolves a handle or DID to its identity document.
	ResolveMiniDoc(ctx context.Context, identifier string) (MiniDoc, error)
}

// RecordWriter writes records to the authenticated account's repository.
type RecordWriter interface {
	// DID returns the authenticated account, or "" when logged out.
	DID() atproto.DID

	// CreateRecord creates a record under rkey and returns its URI.
	CreateRecord(ctx context.Context, collection, rkey string, record any) (atproto.URI, error)

	// DeleteRecord deletes a record. Deleting a missing record is not an
	// error.
	DeleteRecord(ctx context.Context, collection, rkey string) error
}

// CursorRepository defines persistence operations for event stream cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed cursor for the given service
	// name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
