// Package storage defines the blob store abstraction used for raw artifacts.
package storage

import (
	"context"
	"time"
)

// BlobStore is the interface for raw artifact bytes.
//
// A blob reference is the slash-separated "scope/key" string returned by Put.
type BlobStore interface {
	// Put durably writes data under scope/key and returns its reference.
	Put(ctx context.Context, scope, key string, data []byte, contentType string) (string, error)
	// AccessURL returns an externally fetchable URL for ref that expires after ttl.
	AccessURL(ref string, ttl time.Duration) (string, error)
	// Exists reports whether ref currently holds data.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
	// HealthCheck verifies the store is reachable and writable.
	HealthCheck(ctx context.Context) error
}
