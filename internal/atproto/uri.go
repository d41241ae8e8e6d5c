// Package atproto holds the record identifiers, record shapes and edge kinds
// shared by the indexing, threading and scoring packages.
package atproto

import (
	"errors"
	"fmt"
	"strings"
)

const uriScheme = "at://"

// Collection NSIDs the engine understands.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionLike   = "app.bsky.feed.like"
	CollectionBlock  = "app.bsky.graph.block"
	CollectionFollow = "app.bsky.graph.follow"
)

// ErrInvalidURI is returned when a string is not a canonical record URI.
var ErrInvalidURI = errors.New("invalid record uri")

// DID is a stable actor identifier (e.g. did:plc:abc123).
type DID string

// URI identifies a single record: at://did/collection/rkey.
type URI struct {
	DID        DID
	Collection string
	RKey       string
}

// NewURI builds a URI from its parts.
func NewURI(did DID, collection, rkey string) URI {
	return URI{DID: did, Collection: collection, RKey: rkey}
}

// ParseURI parses a canonical record URI. Actor-only and collection-only URIs
// are rejected; use DIDFromURI for those.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, uriScheme)
	if !ok {
		return URI{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURI, s)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}
	return URI{DID: DID(parts[0]), Collection: parts[1], RKey: parts[2]}, nil
}

// MustParseURI is ParseURI for literals in tests and constants.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// DIDFromURI returns the authority of an at:// string, which may point at an
// actor rather than a record.
func DIDFromURI(s string) (DID, bool) {
	rest, ok := strings.CutPrefix(s, uriScheme)
	if !ok || rest == "" {
		return "", false
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", false
	}
	return DID(rest), true
}

// String returns the canonical at:// form.
func (u URI) String() string {
	return uriScheme + string(u.DID) + "/" + u.Collection + "/" + u.RKey
}

// IsZero reports whether u is the zero URI.
func (u URI) IsZero() bool {
	return u == URI{}
}

// MarshalText implements encoding.TextMarshaler.
func (u URI) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *URI) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = URI{}
		return nil
	}
	parsed, err := ParseURI(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Backlink is a record that points at some subject: the actor DID created
// DID/Collection/RKey.
type Backlink struct {
	DID        DID    `json:"did"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// URI returns the record URI of the linking record.
func (b Backlink) URI() URI {
	return URI{DID: b.DID, Collection: b.Collection, RKey: b.RKey}
}

// BacklinkFromURI is the inverse of Backlink.URI.
func BacklinkFromURI(u URI) Backlink {
	return Backlink{DID: u.DID, Collection: u.Collection, RKey: u.RKey}
}
