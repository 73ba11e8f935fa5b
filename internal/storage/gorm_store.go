package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// GormStore implements Store on a gorm handle. One handle is shared by all
// goroutines; gorm's pool serializes access per connection.
type GormStore struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.IngestMetrics
}

// NewGormStore wraps db. m may be nil.
func NewGormStore(db *gorm.DB, logger *slog.Logger, m *metrics.IngestMetrics) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &GormStore{db: db, logger: logger, metrics: m}, nil
}

func (s *GormStore) observe(operation string) func() {
	if s.metrics == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(s.metrics.WriteDuration.WithLabelValues(operation))
	return func() { timer.ObserveDuration() }
}

// Insert writes one reading.
func (s *GormStore) Insert(ctx context.Context, r reading.Reading) error {
	defer s.observe("insert")()

	rec := FromReading(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// maxBatchRows caps the rows per INSERT statement. PostgreSQL accepts at most
// 65535 bind parameters per statement and a row binds four.
const maxBatchRows = 10000

// InsertBatch writes rs atomically: one transaction holding multi-row INSERTs
// of at most maxBatchRows rows each. Either every reading is stored or none is.
func (s *GormStore) InsertBatch(ctx context.Context, rs []reading.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	defer s.observe("insert_batch")()

	records := make([]Record, len(rs))
	for i, r := range rs {
		records[i] = FromReading(r)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&records, maxBatchRows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to insert %d readings: %w", len(rs), err)
	}
	return nil
}

// Count returns the number of stored readings.
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// All returns every stored reading ordered by timestamp, then sensor id. The
// table has no insertion sequence, so arrival order is not recoverable.
// Only used by tests and diagnostics; nothing on the ingest path reads back.
func (s *GormStore) All(ctx context.Context) ([]reading.Reading, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order(`"timestamp", "sensor_id"`).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}

	out := make([]reading.Reading, len(records))
	for i, rec := range records {
		out[i] = rec.Reading()
	}
	return out, nil
}

// Close closes the underlying connection.
func (s *GormStore) Close() error {
	return CloseDB(s.db, s.logger)
}

var _ Store = (*GormStore)(nil)
