package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds MemorySink when no capacity is given.
const DefaultMemoryCapacity = 1024

// MemorySink keeps the most recent records in a fixed-size ring
// (development/testing use)
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
}

// NewMemorySink creates a sink holding at most capacity records
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{records: make([]Record, capacity)}
}

// Ingest stores records, overwriting the oldest ones once full
func (s *MemorySink) Ingest(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[s.next] = rec
		s.next = (s.next + 1) % len(s.records)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Records returns the retained records, oldest first
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]Record, s.next)
		copy(out, s.records[:s.next])
		return out
	}
	out := make([]Record, 0, len(s.records))
	out = append(out, s.records[s.next:]...)
	return append(out, s.records[:s.next]...)
}

// Count returns the number of retained records
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.records)
	}
	return s.next
}
