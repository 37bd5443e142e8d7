package reminders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketReminders = []byte("reminders")

// BoltStore implements Store on a bbolt database. Each mutation runs in
// one write transaction, so the etag check and the delete are atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the reminder database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "reminders.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open reminder database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReminders)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create reminder bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) UpsertRow(ctx context.Context, r Reminder) (string, error) {
	r.Etag = uuid.New().String()
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode reminder row: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReminders).Put([]byte(r.Key()), raw)
	})
	if err != nil {
		return "", err
	}
	return r.Etag, nil
}

func (s *BoltStore) RemoveRow(ctx context.Context, grain types.GrainID, name, etag string) (bool, error) {
	key := []byte(reminderKey(grain, name))
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReminders)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var row Reminder
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("failed to decode reminder row: %w", err)
		}
		if row.Etag != etag {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

func (s *BoltStore) ReadRow(ctx context.Context, grain types.GrainID, name string) (Reminder, bool, error) {
	var row Reminder
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReminders).Get([]byte(reminderKey(grain, name)))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("failed to decode reminder row: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return Reminder{}, false, err
	}
	return row, found, nil
}

func (s *BoltStore) ReadRows(ctx context.Context, grain types.GrainID) ([]Reminder, error) {
	prefix := []byte(grain.Key() + "/")
	var out []Reminder
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReminders).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row Reminder
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to decode reminder row: %w", err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ReadRowsForRange(ctx context.Context, begin, end uint32) ([]Reminder, error) {
	var out []Reminder
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReminders).ForEach(func(k, v []byte) error {
			var row Reminder
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to decode reminder row: %w", err)
			}
			if membership.InRange(row.Hash(), begin, end) {
				out = append(out, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
