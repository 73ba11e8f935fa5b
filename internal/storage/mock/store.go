// Package mock provides an in-memory storage.Store for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"procodus.dev/sensor-ingest/internal/storage"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// ErrInjected is the default failure returned by FailInsert.
var ErrInjected = errors.New("injected storage failure")

// Store keeps rows in memory and records every write call.
type Store struct {
	mu sync.Mutex

	rows []reading.Reading

	// InsertCalls and BatchCalls count write statements issued.
	InsertCalls int
	BatchCalls  int
	// BatchSizes records the length of every non-empty InsertBatch call.
	BatchSizes []int
	// Closed is set by Close.
	Closed bool

	// FailInsert, when set, decides per reading whether Insert fails.
	FailInsert func(r reading.Reading) error
	// BatchError is returned by InsertBatch when non-nil.
	BatchError error
	// CountError is returned by Count when non-nil.
	CountError error

	// OnInsert, when set, is called after every successful Insert.
	OnInsert func(r reading.Reading)
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Insert implements storage.Store.
func (s *Store) Insert(_ context.Context, r reading.Reading) error {
	s.mu.Lock()
	s.InsertCalls++
	if s.FailInsert != nil {
		if err := s.FailInsert(r); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.rows = append(s.rows, r)
	hook := s.OnInsert
	s.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	return nil
}

// InsertBatch implements storage.Store.
// Empty batches are counted so callers can assert none were issued.
func (s *Store) InsertBatch(_ context.Context, rs []reading.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.BatchCalls++
	if len(rs) == 0 {
		return nil
	}
	if s.BatchError != nil {
		return s.BatchError
	}
	s.BatchSizes = append(s.BatchSizes, len(rs))
	s.rows = append(s.rows, rs...)
	return nil
}

// Count implements storage.Store.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountError != nil {
		return 0, s.CountError
	}
	return int64(len(s.rows)), nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Rows returns a copy of the stored readings in write order.
func (s *Store) Rows() []reading.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reading.Reading(nil), s.rows...)
}

// Calls returns the InsertCalls and BatchCalls counters.
func (s *Store) Calls() (inserts, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InsertCalls, s.BatchCalls
}

var _ storage.Store = (*Store)(nil)
