package firehose

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

const kindCommit = "commit"

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID    atproto.DID      `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream. The record body is
// left undecoded; the feed service decodes it per collection.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// commit converts a commit event to its domain form. ok is false for
// identity and account events.
func (e *jetstreamEvent) commit() (domain.Commit, bool) {
	if e.Kind != kindCommit || e.Commit == nil {
		return domain.Commit{}, false
	}
	return domain.Commit{
		DID:        e.DID,
		TimeUS:     e.TimeUS,
		Rev:        e.Commit.Rev,
		Operation:  e.Commit.Operation,
		Collection: e.Commit.Collection,
		RKey:       e.Commit.RKey,
		CID:        e.Commit.CID,
		Record:     e.Commit.Record,
	}, true
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Kind == kindCommit && event.Commit == nil {
		return nil, fmt.Errorf("commit event from %s has no commit", event.DID)
	}
	return &event, nil
}
