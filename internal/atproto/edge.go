package atproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEdgeKind is returned for edge kinds without a subject extractor.
var ErrUnknownEdgeKind = errors.New("unknown edge kind")

// EdgeKind names a category of directed relationship: the collection of the
// linking record and the dotted path of the field holding the subject.
type EdgeKind struct {
	Collection string
	Path       string
}

// Known edge kinds.
var (
	EdgeReplyParent = EdgeKind{Collection: CollectionPost, Path: "reply.parent.uri"}
	EdgeReplyRoot   = EdgeKind{Collection: CollectionPost, Path: "reply.root.uri"}
	EdgeQuote       = EdgeKind{Collection: CollectionPost, Path: "embed.record.uri"}
	EdgeRepost      = EdgeKind{Collection: CollectionRepost, Path: "subject.uri"}
	EdgeLike        = EdgeKind{Collection: CollectionLike, Path: "subject.uri"}
	EdgeBlock       = EdgeKind{Collection: CollectionBlock, Path: "subject"}
	EdgeFollow      = EdgeKind{Collection: CollectionFollow, Path: "subject"}
)

var knownKinds = []EdgeKind{
	EdgeReplyParent,
	EdgeReplyRoot,
	EdgeQuote,
	EdgeRepost,
	EdgeLike,
	EdgeBlock,
	EdgeFollow,
}

// ParseEdgeKind parses the "collection:path" form used by the backlink
// services. Unknown kinds are rejected.
func ParseEdgeKind(s string) (EdgeKind, error) {
	collection, path, ok := strings.Cut(s, ":")
	if !ok || collection == "" || path == "" {
		return EdgeKind{}, fmt.Errorf("%w: %q", ErrUnknownEdgeKind, s)
	}
	k := EdgeKind{Collection: collection, Path: path}
	if !k.Known() {
		return EdgeKind{}, fmt.Errorf("%w: %q", ErrUnknownEdgeKind, s)
	}
	return k, nil
}

// String returns the "collection:path" form.
func (k EdgeKind) String() string {
	return k.Collection + ":" + k.Path
}

// Known reports whether k has a subject extractor.
func (k EdgeKind) Known() bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// KindsForCollection returns the edge kinds a record of the collection can
// produce.
func KindsForCollection(collection string) []EdgeKind {
	var kinds []EdgeKind
	for _, k := range knownKinds {
		if k.Collection == collection {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Subject extracts the subject this kind of edge points at from a raw record
// body. ok is false when the record carries no such field.
func (k EdgeKind) Subject(raw json.RawMessage) (subject string, ok bool, err error) {
	switch k {
	case EdgeReplyParent, EdgeReplyRoot, EdgeQuote:
		var rec PostRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", false, fmt.Errorf("decode %s record: %w", k.Collection, err)
		}
		return k.postSubject(rec)
	case EdgeRepost, EdgeLike:
		var rec SubjectRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", false, fmt.Errorf("decode %s record: %w", k.Collection, err)
		}
		return rec.Subject.URI, rec.Subject.URI != "", nil
	case EdgeBlock, EdgeFollow:
		var rec ActorRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", false, fmt.Errorf("decode %s record: %w", k.Collection, err)
		}
		return string(rec.Subject), rec.Subject != "", nil
	default:
		return "", false, fmt.Errorf("%w: %s", ErrUnknownEdgeKind, k)
	}
}

func (k EdgeKind) postSubject(rec PostRecord) (string, bool, error) {
	switch k {
	case EdgeReplyParent:
		if rec.Reply == nil || rec.Reply.Parent.URI == "" {
			return "", false, nil
		}
		return rec.Reply.Parent.URI, true, nil
	case EdgeReplyRoot:
		if rec.Reply == nil || rec.Reply.Root.URI == "" {
			return "", false, nil
		}
		return rec.Reply.Root.URI, true, nil
	default:
		uri, ok := rec.Embed.QuotedURI()
		return uri, ok, nil
	}
}

// NewRecord builds the body of a new linking record of this kind pointing at
// subject. Only like, repost, block and follow records can be created.
func (k EdgeKind) NewRecord(subject StrongRef, createdAt string) (any, error) {
	switch k {
	case EdgeRepost, EdgeLike:
		return SubjectRecord{Type: k.Collection, Subject: subject, CreatedAt: createdAt}, nil
	case EdgeBlock, EdgeFollow:
		did, ok := DIDFromURI(subject.URI)
		if !ok {
			did = DID(subject.URI)
		}
		return ActorRecord{Type: k.Collection, Subject: did, CreatedAt: createdAt}, nil
	default:
		return nil, fmt.Errorf("%w: cannot create %s records", ErrUnknownEdgeKind, k)
	}
}
