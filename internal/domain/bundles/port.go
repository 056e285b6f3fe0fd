package bundles

import "context"

// Stat describes a content address without fetching it.
type Stat struct {
	IsDirectory bool
	Children    int
}

// ContentStore port over the content-addressed store.
type ContentStore interface {
	Stat(ctx context.Context, path string) (Stat, error)

	// Cat returns the content at path, failing with ErrTooLarge when it
	// exceeds maxBytes.
	Cat(ctx context.Context, path string, maxBytes int64) ([]byte, error)

	// Pin asks the store to retain the content at path. Best effort: a
	// pin failure never invalidates an already verified fetch.
	Pin(ctx context.Context, path string) error
}
