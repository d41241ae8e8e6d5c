package atproto

import (
	"encoding/json"
	"time"
)

// Embed type NSIDs that can carry a quoted record.
const (
	EmbedRecord          = "app.bsky.embed.record"
	EmbedRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// StrongRef is a reference to a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef contains references to the parent and root of a reply chain.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// Embed is the subset of a post embed the engine inspects. Media payloads are
// kept raw.
type Embed struct {
	Type   string          `json:"$type"`
	Record json.RawMessage `json:"record,omitempty"`
	Media  json.RawMessage `json:"media,omitempty"`
}

// QuotedURI returns the record a quote embed points at.
func (e *Embed) QuotedURI() (string, bool) {
	if e == nil || len(e.Record) == 0 {
		return "", false
	}
	switch e.Type {
	case EmbedRecord:
		var ref StrongRef
		if err := json.Unmarshal(e.Record, &ref); err != nil || ref.URI == "" {
			return "", false
		}
		return ref.URI, true
	case EmbedRecordWithMedia:
		var wrapped struct {
			Record StrongRef `json:"record"`
		}
		if err := json.Unmarshal(e.Record, &wrapped); err != nil || wrapped.Record.URI == "" {
			return "", false
		}
		return wrapped.Record.URI, true
	default:
		return "", false
	}
}

// PostRecord is the parsed content of an app.bsky.feed.post record.
type PostRecord struct {
	Type      string    `json:"$type,omitempty"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// SubjectRecord is the shape shared by likes and reposts.
type SubjectRecord struct {
	Type      string    `json:"$type,omitempty"`
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// ActorRecord is the shape shared by blocks and follows: the subject is a DID.
type ActorRecord struct {
	Type      string `json:"$type,omitempty"`
	Subject   DID    `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Post is a hydrated post keyed by its record URI.
type Post struct {
	URI    URI        `json:"uri"`
	CID    string     `json:"cid,omitempty"`
	Record PostRecord `json:"record"`
}

// IsReply reports whether the post replies to another post.
func (p Post) IsReply() bool {
	return p.Record.Reply != nil && p.Record.Reply.Parent.URI != ""
}

// ParentURI returns the parent of a reply.
func (p Post) ParentURI() (URI, bool) {
	if !p.IsReply() {
		return URI{}, false
	}
	u, err := ParseURI(p.Record.Reply.Parent.URI)
	if err != nil {
		return URI{}, false
	}
	return u, true
}

// RootURI returns the thread root of the post: reply.root, or the post itself.
func (p Post) RootURI() URI {
	if p.Record.Reply != nil && p.Record.Reply.Root.URI != "" {
		if u, err := ParseURI(p.Record.Reply.Root.URI); err == nil {
			return u
		}
	}
	return p.URI
}

// QuotedURI returns the post quoted by this post's embed.
func (p Post) QuotedURI() (URI, bool) {
	raw, ok := p.Record.Embed.QuotedURI()
	if !ok {
		return URI{}, false
	}
	u, err := ParseURI(raw)
	if err != nil {
		return URI{}, false
	}
	return u, true
}

// CreatedAt parses the record's createdAt field.
func (p Post) CreatedAt() (time.Time, bool) {
	t, err := ParseDatetime(p.Record.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ActivityTime is the post's rkey timestamp, falling back to createdAt.
func (p Post) ActivityTime() time.Time {
	t, _ := RecordTime(p.URI.RKey, p.Record.CreatedAt)
	return t
}

// DecodePost builds a Post from a raw record body.
func DecodePost(uri URI, cid string, raw json.RawMessage) (Post, error) {
	var record PostRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Post{}, err
	}
	return Post{URI: uri, CID: cid, Record: record}, nil
}
