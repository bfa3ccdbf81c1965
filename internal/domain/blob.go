package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves closed positions past their retention window into cold
// storage. It returns the number of records archived.
type Archiver interface {
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
