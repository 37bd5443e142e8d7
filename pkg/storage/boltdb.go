package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("grain_state")

type boltRecord struct {
	Data []byte `json:"data"`
	Etag string `json:"etag"`
}

// BoltStore implements Store on a bbolt database. Each mutation runs in
// one write transaction, so the etag check and the replacement are
// atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the grain-state database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Read(ctx context.Context, grain types.GrainID, stateName string) ([]byte, string, bool, error) {
	var data []byte
	var etag string
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketState).Get([]byte(stateKey(grain, stateName)))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode state record: %w", err)
		}
		data = rec.Data
		etag = rec.Etag
		found = true
		return nil
	})
	if err != nil {
		return nil, "", false, err
	}
	return data, etag, found, nil
}

func (s *BoltStore) Write(ctx context.Context, grain types.GrainID, stateName string, data []byte, etag string) (string, error) {
	key := []byte(stateKey(grain, stateName))
	next := uuid.New().String()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		raw := b.Get(key)
		if raw == nil {
			if etag != "" {
				return fmt.Errorf("writing %s: %w", key, types.ErrInconsistentState)
			}
		} else {
			var rec boltRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("failed to decode state record: %w", err)
			}
			if rec.Etag != etag {
				return fmt.Errorf("writing %s: %w", key, types.ErrInconsistentState)
			}
		}
		out, err := json.Marshal(boltRecord{Data: data, Etag: next})
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func (s *BoltStore) Clear(ctx context.Context, grain types.GrainID, stateName string, etag string) error {
	key := []byte(stateKey(grain, stateName))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode state record: %w", err)
		}
		if rec.Etag != etag {
			return fmt.Errorf("clearing %s: %w", key, types.ErrInconsistentState)
		}
		return b.Delete(key)
	})
}
