package bluesky

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

// DefaultBacklinksLimit is the page size used when GetBacklinks is given
// none.
const DefaultBacklinksLimit = 100

type backlinksResponse struct {
	Total   int                `json:"total"`
	Records []atproto.Backlink `json:"records"`
	Cursor  *string            `json:"cursor"`
}

// GetBacklinks queries Constellation for records of kind linking to subject.
// A subject addressed by handle is resolved to its DID first. Queries taking
// longer than the backlinks timeout fail with ErrTimeout.
func (c *Client) GetBacklinks(
	ctx context.Context,
	subject string,
	kind atproto.EdgeKind,
	filterActors []atproto.DID,
	limit int,
) (domain.BacklinksPage, error) {
	if limit <= 0 {
		limit = DefaultBacklinksLimit
	}
	subject, err := c.canonicalSubject(ctx, subject)
	if err != nil {
		return domain.BacklinksPage{}, err
	}

	params := url.Values{
		"subject": {subject},
		"source":  {kind.String()},
		"limit":   {strconv.Itoa(limit)},
	}
	for _, did := range filterActors {
		params.Add("did", string(did))
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.backlinksTimeout)
	defer cancel()

	var resp backlinksResponse
	if err := c.get(queryCtx, c.endpoints.Constellation, "blue.microcosm.links.getBacklinks", params, &resp); err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return domain.BacklinksPage{}, fmt.Errorf("backlinks of %s: %w", subject, ErrTimeout)
		}
		return domain.BacklinksPage{}, fmt.Errorf("backlinks of %s: %w", subject, err)
	}

	page := domain.BacklinksPage{Total: resp.Total, Records: resp.Records}
	if resp.Cursor != nil {
		page.Cursor = *resp.Cursor
	}
	return page, nil
}

// canonicalSubject replaces a handle authority in an at:// subject with the
// DID it resolves to. Bare DIDs and other strings pass through.
func (c *Client) canonicalSubject(ctx context.Context, subject string) (string, error) {
	authority, ok := atproto.DIDFromURI(subject)
	if !ok || isDID(string(authority)) {
		return subject, nil
	}
	did, err := c.ResolveHandle(ctx, string(authority))
	if err != nil {
		return "", fmt.Errorf("resolve subject %s: %w", subject, err)
	}
	return strings.Replace(subject, string(authority), string(did), 1), nil
}
