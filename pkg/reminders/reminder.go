package reminders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/types"
)

// Reminder is one durable reminder row. StartAt anchors the schedule;
// ticks are due at StartAt, StartAt+Period, StartAt+2*Period, and so
// on. A zero Period fires exactly once, at StartAt.
type Reminder struct {
	Grain   types.GrainID `json:"grain"`
	Name    string        `json:"name"`
	StartAt time.Time     `json:"start_at"`
	Period  time.Duration `json:"period"`

	// Etag guards removal: a remove with a stale etag is a no-op, so a
	// re-registered reminder is not torn down by its former owner.
	Etag string `json:"etag"`
}

// Key returns the row's canonical storage key.
func (r Reminder) Key() string { return reminderKey(r.Grain, r.Name) }

// Hash returns the row's ring position, shared with the grain's.
func (r Reminder) Hash() uint32 { return r.Grain.Hash() }

// NextDue returns the first scheduled tick strictly after the given
// instant. For one-shot reminders that is always StartAt.
func (r Reminder) NextDue(after time.Time) time.Time {
	if r.Period <= 0 || after.Before(r.StartAt) {
		return r.StartAt
	}
	elapsed := after.Sub(r.StartAt)
	n := elapsed/r.Period + 1
	return r.StartAt.Add(n * r.Period)
}

func reminderKey(grain types.GrainID, name string) string {
	return grain.Key() + "/" + name
}

// Store persists reminder rows. Implementations must index rows by
// grain hash so a silo can read exactly the rows its ring range owns.
type Store interface {
	// UpsertRow writes the row, replacing any previous registration of
	// the same (grain, name), and returns the row's new etag.
	UpsertRow(ctx context.Context, r Reminder) (string, error)

	// RemoveRow deletes the row if its etag matches. It returns false,
	// without error, when the row is absent or the etag is stale.
	RemoveRow(ctx context.Context, grain types.GrainID, name, etag string) (bool, error)

	// ReadRow returns the row for (grain, name).
	ReadRow(ctx context.Context, grain types.GrainID, name string) (Reminder, bool, error)

	// ReadRows returns every reminder registered for the grain.
	ReadRows(ctx context.Context, grain types.GrainID) ([]Reminder, error)

	// ReadRowsForRange returns the rows whose grain hash falls in the
	// ring range (begin, end], honoring wrap-around when begin >= end.
	ReadRowsForRange(ctx context.Context, begin, end uint32) ([]Reminder, error)
}

// MemStore is an in-memory Store for tests and single-silo development.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]Reminder
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Reminder)}
}

func (s *MemStore) UpsertRow(ctx context.Context, r Reminder) (string, error) {
	r.Etag = uuid.New().String()
	s.mu.Lock()
	s.rows[r.Key()] = r
	s.mu.Unlock()
	return r.Etag, nil
}

func (s *MemStore) RemoveRow(ctx context.Context, grain types.GrainID, name, etag string) (bool, error) {
	key := reminderKey(grain, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok || row.Etag != etag {
		return false, nil
	}
	delete(s.rows, key)
	return true, nil
}

func (s *MemStore) ReadRow(ctx context.Context, grain types.GrainID, name string) (Reminder, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[reminderKey(grain, name)]
	return row, ok, nil
}

func (s *MemStore) ReadRows(ctx context.Context, grain types.GrainID) ([]Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reminder
	for _, row := range s.rows {
		if row.Grain.Key() == grain.Key() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemStore) ReadRowsForRange(ctx context.Context, begin, end uint32) ([]Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reminder
	for _, row := range s.rows {
		if membership.InRange(row.Hash(), begin, end) {
			out = append(out, row)
		}
	}
	return out, nil
}
