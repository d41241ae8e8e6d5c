package backlinks

import "github.com/blackmichael/bluesky-threads/internal/atproto"

// BlockRelationship describes blocks between a viewer and another actor.
type BlockRelationship struct {
	// Blocks is true when the viewer blocks the other actor.
	Blocks bool `json:"blocks"`

	// BlockedBy is true when the other actor blocks the viewer.
	BlockedBy bool `json:"blockedBy"`
}

// Any reports whether either side blocks the other.
func (r BlockRelationship) Any() bool {
	return r.Blocks || r.BlockedBy
}

// IsBlockedBy reports whether blocker has a block record targeting subject.
// It is the single source of truth for block checks.
func (x *Index) IsBlockedBy(subject, blocker atproto.DID) bool {
	return x.Has(string(subject), atproto.EdgeBlock, blocker)
}

// GetBlockRelationship returns the block state between viewer and other.
func (x *Index) GetBlockRelationship(viewer, other atproto.DID) BlockRelationship {
	return BlockRelationship{
		Blocks:    x.IsBlockedBy(other, viewer),
		BlockedBy: x.IsBlockedBy(viewer, other),
	}
}

// HasBlockRelationship reports whether viewer and other block each other in
// either direction.
func (x *Index) HasBlockRelationship(viewer, other atproto.DID) bool {
	return x.GetBlockRelationship(viewer, other).Any()
}
