package audit

import "context"

// Archive is a long-term sink for exported evidence packs. Packs are
// content-addressed by checksum, so re-archiving the same pack is
// idempotent.
type Archive interface {
	// Store persists a pack and returns its content hash.
	Store(ctx context.Context, data []byte) (string, error)
	// Retrieve fetches a pack by the hash Store returned.
	Retrieve(ctx context.Context, hash string) ([]byte, error)
}
