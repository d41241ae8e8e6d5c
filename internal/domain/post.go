package domain

import (
	"encoding/json"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// Record operations carried by commit events and link notifications.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Commit is a single repository commit from the firehose.
type Commit struct {
	// DID is the repository the commit belongs to.
	DID atproto.DID

	// TimeUS is the firehose timestamp in microseconds, used as the resume
	// cursor.
	TimeUS int64

	Rev        string
	Operation  string
	Collection string
	RKey       string
	CID        string

	// Record is the record body. It is empty for deletes.
	Record json.RawMessage
}

// URI returns the URI of the committed record.
func (c Commit) URI() atproto.URI {
	return atproto.NewURI(c.DID, c.Collection, c.RKey)
}

// LinkNotification reports that a record linking to a watched subject was
// created, updated or deleted.
type LinkNotification struct {
	Operation string

	// Source is the edge kind in "collection:path" form.
	Source string

	// SourceRecord is the URI of the linking record.
	SourceRecord string

	SourceRev string

	// Subject is what the record links to: a record URI or an actor DID.
	Subject string
}
