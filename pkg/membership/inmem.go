package membership

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/types"
)

// InMemStore is a Store kept entirely in process memory. It backs tests
// and single-host clusters where one primary silo hosts the table.
type InMemStore struct {
	mu      sync.Mutex
	version TableVersion
	rows    map[string]Row // keyed by silo address string
	init    bool
}

// NewInMemStore creates an empty in-memory membership store.
func NewInMemStore() *InMemStore {
	return &InMemStore{rows: make(map[string]Row)}
}

func (s *InMemStore) Initialize(ctx context.Context, tryInitVersion bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init && tryInitVersion {
		s.version = TableVersion{Version: 0, Etag: uuid.New().String()}
	}
	s.init = true
	return nil
}

func (s *InMemStore) ReadAll(ctx context.Context) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{Version: s.version}
	for _, r := range s.rows {
		t.Rows = append(t.Rows, Row{Entry: r.Entry.Clone(), Etag: r.Etag})
	}
	return t, nil
}

func (s *InMemStore) ReadRow(ctx context.Context, silo types.SiloAddress) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{Version: s.version}
	if r, ok := s.rows[silo.String()]; ok {
		t.Rows = append(t.Rows, Row{Entry: r.Entry.Clone(), Etag: r.Etag})
	}
	return t, nil
}

func (s *InMemStore) InsertRow(ctx context.Context, entry *Entry, version TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version.Version != s.version.Version || version.Etag != s.version.Etag {
		return false, nil
	}
	key := entry.Silo.String()
	if _, exists := s.rows[key]; exists {
		return false, nil
	}
	s.rows[key] = Row{Entry: entry.Clone(), Etag: uuid.New().String()}
	s.bumpVersion()
	return true, nil
}

func (s *InMemStore) UpdateRow(ctx context.Context, entry *Entry, etag string, version TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version.Version != s.version.Version || version.Etag != s.version.Etag {
		return false, nil
	}
	key := entry.Silo.String()
	existing, ok := s.rows[key]
	if !ok || existing.Etag != etag {
		return false, nil
	}
	s.rows[key] = Row{Entry: entry.Clone(), Etag: uuid.New().String()}
	s.bumpVersion()
	return true, nil
}

func (s *InMemStore) UpdateIAmAlive(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[entry.Silo.String()]; ok {
		r.Entry.IAmAliveTime = entry.IAmAliveTime
	}
	return nil
}

func (s *InMemStore) DeleteTableEntries(ctx context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]Row)
	s.version = TableVersion{Version: 0, Etag: uuid.New().String()}
	return nil
}

func (s *InMemStore) CleanupDefunct(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.rows {
		if r.Entry.Status == types.StatusDead && r.Entry.IAmAliveTime.Before(before) {
			delete(s.rows, key)
		}
	}
	return nil
}

// bumpVersion must be called with the lock held, after a successful
// row mutation.
func (s *InMemStore) bumpVersion() {
	s.version = TableVersion{Version: s.version.Version + 1, Etag: uuid.New().String()}
}
