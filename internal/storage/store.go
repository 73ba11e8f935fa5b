package storage

import (
	"context"

	"procodus.dev/sensor-ingest/pkg/reading"
)

// Store is the persistence contract used by the worker and the shutdown hook.
type Store interface {
	// Insert writes one reading as a single-row insert.
	Insert(ctx context.Context, r reading.Reading) error
	// InsertBatch writes all readings as one atomic multi-row write. An empty batch
	// issues no statement.
	InsertBatch(ctx context.Context, rs []reading.Reading) error
	// Count returns the number of rows currently stored.
	Count(ctx context.Context) (int64, error)
	// Close releases the underlying connection.
	Close() error
}
