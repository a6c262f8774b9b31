package storage

import "context"

// Store is the contract for uploaded-file storage.
type Store interface {
	// Save persists the bytes and returns an opaque source location.
	Save(ctx context.Context, data []byte, ext string) (string, error)
	// Read returns the bytes at a previously returned location.
	Read(ctx context.Context, location string) ([]byte, error)
	// Delete removes the stored file. Best-effort: failures are logged and
	// reported as false, never raised.
	Delete(ctx context.Context, location string) bool
}
