package bluesky

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/blackmichael/bluesky-threads/internal/atproto"
	"github.com/blackmichael/bluesky-threads/internal/domain"
)

// ResolveHandle resolves a handle to its DID through Slingshot. DIDs are
// returned unchanged.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (atproto.DID, error) {
	if isDID(handle) {
		return atproto.DID(handle), nil
	}
	handle = strings.ToLower(strings.TrimPrefix(handle, "@"))
	return c.handles.GetOrFetch(ctx, handle, func(ctx context.Context) (atproto.DID, error) {
		var resp struct {
			DID atproto.DID `json:"did"`
		}
		params := url.Values{"handle": {handle}}
		if err := c.get(ctx, c.endpoints.Slingshot, "com.atproto.identity.resolveHandle", params, &resp); err != nil {
			return "", fmt.Errorf("resolve handle %s: %w", handle, err)
		}
		if resp.DID == "" {
			return "", fmt.Errorf("resolve handle %s: %w", handle, ErrNotFound)
		}
		return resp.DID, nil
	})
}

// ResolveMiniDoc resolves a handle or DID to its identity document through
// Slingshot.
func (c *Client) ResolveMiniDoc(ctx context.Context, identifier string) (domain.MiniDoc, error) {
	identifier = strings.TrimPrefix(identifier, "@")
	if !isDID(identifier) {
		identifier = strings.ToLower(identifier)
	}
	return c.docs.GetOrFetch(ctx, identifier, func(ctx context.Context) (domain.MiniDoc, error) {
		var doc domain.MiniDoc
		params := url.Values{"identifier": {identifier}}
		if err := c.get(ctx, c.endpoints.Slingshot, "com.bad-example.identity.resolveMiniDoc", params, &doc); err != nil {
			return domain.MiniDoc{}, fmt.Errorf("resolve identity %s: %w", identifier, err)
		}
		if doc.DID == "" || doc.PDS == "" {
			return domain.MiniDoc{}, fmt.Errorf("resolve identity %s: incomplete document", identifier)
		}
		return doc, nil
	})
}

func isDID(s string) bool {
	return strings.HasPrefix(s, "did:")
}
