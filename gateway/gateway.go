// Package gateway wraps the upstream ERP and marketplace APIs behind one
// channel-agnostic paging contract with bounded concurrency, rate-limit
// backoff and uniform error classification.
package gateway

import (
	"context"
	"encoding/json"
)

// Cursor is an opaque resumable position within one upstream listing.
// Position is the upstream page token; Watermark is the updated-since
// timestamp the listing was filtered by.
type Cursor struct {
	Position  string
	Watermark string
	// NewestFirst asks the upstream for descending order so backlog catch-up
	// sees recent records before older gaps are drained.
	NewestFirst bool
}

// Page is one page of untyped upstream records. Records are preserved
// verbatim; callers project only the fields they depend on.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
	HasMore    bool
}

// Client is the gateway contract the sync worker and matcher consume. One
// implementation exists per upstream (the ERP plus each marketplace channel).
type Client interface {
	FetchPage(ctx context.Context, stream string, cursor Cursor) (Page, error)
	FetchEntity(ctx context.Context, stream string, id string) (json.RawMessage, error)
}
