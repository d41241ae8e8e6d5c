package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
)

// CreateBacklink creates a like or repost of post as the authenticated
// account. The backlink is registered before the write and withdrawn if the
// write fails.
func (s *FeedService) CreateBacklink(ctx context.Context, post atproto.Post, kind atproto.EdgeKind) (atproto.Backlink, error) {
	if s.writer == nil || s.writer.DID() == "" {
		return atproto.Backlink{}, ErrReadOnly
	}

	now := s.now()
	record, err := kind.NewRecord(
		atproto.StrongRef{URI: post.URI.String(), CID: post.CID},
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return atproto.Backlink{}, err
	}

	link := atproto.Backlink{
		DID:        s.writer.DID(),
		Collection: kind.Collection,
		RKey:       s.nextTID(now).String(),
	}
	subject := post.URI.String()
	s.links.Add(subject, kind, link)

	if _, err := s.writer.CreateRecord(ctx, kind.Collection, link.RKey, record); err != nil {
		s.links.Remove(subject, kind, link)
		return atproto.Backlink{}, fmt.Errorf("create %s: %w", kind.Collection, err)
	}
	return link, nil
}

// DeleteBacklink deletes every like or repost of subject made by the
// authenticated account. Each record is deleted independently; the errors of
// failed deletes are joined.
func (s *FeedService) DeleteBacklink(ctx context.Context, subject atproto.URI, kind atproto.EdgeKind) error {
	if s.writer == nil || s.writer.DID() == "" {
		return ErrReadOnly
	}

	links := s.links.FindBy(subject.String(), kind, s.writer.DID())
	s.links.Remove(subject.String(), kind, links...)

	var errs []error
	for _, link := range links {
		if err := s.writer.DeleteRecord(ctx, link.Collection, link.RKey); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", link.URI(), err))
		}
	}
	return errors.Join(errs...)
}

// nextTID returns a TID for a record created now. The clock id cycles so two
// records created in the same microsecond get distinct keys.
func (s *FeedService) nextTID(now time.Time) atproto.TID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockID = (s.clockID + 1) % 1024
	return atproto.NewTID(now, s.clockID)
}
