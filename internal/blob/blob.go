// Package blob abstracts where image bytes live. The classification pipeline
// only ever sees opaque references; local disk and object storage are
// interchangeable backends.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob: not found")

// Store persists opaque byte blobs.
type Store interface {
	// Put stores the bytes and returns a reference for later retrieval.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the bytes behind a reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// extensionFor maps the content types the pipeline accepts to file suffixes.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}
