package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/types"
)

// Store is the grain persistent-state backend. All operations are
// optimistic: mutations carry the etag of the record they believe they
// are updating and fail with ErrInconsistentState when it is stale.
type Store interface {
	// Read returns the state and its etag. A record that does not exist
	// yet reads as (nil, "", false, nil).
	Read(ctx context.Context, grain types.GrainID, stateName string) (data []byte, etag string, found bool, err error)

	// Write replaces the state guarded by etag and returns the new etag.
	// An empty etag asserts the record does not exist yet.
	Write(ctx context.Context, grain types.GrainID, stateName string, data []byte, etag string) (string, error)

	// Clear removes the record guarded by etag.
	Clear(ctx context.Context, grain types.GrainID, stateName string, etag string) error
}

func stateKey(grain types.GrainID, stateName string) string {
	return grain.Key() + "/" + stateName
}

type memRecord struct {
	data []byte
	etag string
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memRecord)}
}

func (s *MemoryStore) Read(ctx context.Context, grain types.GrainID, stateName string) ([]byte, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[stateKey(grain, stateName)]
	if !ok {
		return nil, "", false, nil
	}
	return append([]byte(nil), rec.data...), rec.etag, true, nil
}

func (s *MemoryStore) Write(ctx context.Context, grain types.GrainID, stateName string, data []byte, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(grain, stateName)
	rec, ok := s.records[key]
	if (!ok && etag != "") || (ok && rec.etag != etag) {
		return "", fmt.Errorf("writing %s: %w", key, types.ErrInconsistentState)
	}
	next := uuid.New().String()
	s.records[key] = memRecord{data: append([]byte(nil), data...), etag: next}
	return next, nil
}

func (s *MemoryStore) Clear(ctx context.Context, grain types.GrainID, stateName string, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(grain, stateName)
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.etag != etag {
		return fmt.Errorf("clearing %s: %w", key, types.ErrInconsistentState)
	}
	delete(s.records, key)
	return nil
}
