package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRows = []byte("membership_rows")
	bucketMeta = []byte("membership_meta")

	keyVersion = []byte("table_version")
)

// BoltStore implements Store on a bbolt database. Every mutation runs
// inside one write transaction, which gives the insert-plus-version-bump
// atomicity the contract requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the membership database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "membership.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open membership database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRows, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Initialize(ctx context.Context, tryInitVersion bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyVersion) != nil || !tryInitVersion {
			return nil
		}
		return putVersion(meta, TableVersion{Version: 0, Etag: uuid.New().String()})
	})
}

func (s *BoltStore) ReadAll(ctx context.Context) (*Table, error) {
	t := &Table{}
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		if t.Version, err = readVersion(tx.Bucket(bucketMeta)); err != nil {
			return err
		}
		return tx.Bucket(bucketRows).ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to decode membership row %s: %w", k, err)
			}
			t.Rows = append(t.Rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) ReadRow(ctx context.Context, silo types.SiloAddress) (*Table, error) {
	t := &Table{}
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		if t.Version, err = readVersion(tx.Bucket(bucketMeta)); err != nil {
			return err
		}
		data := tx.Bucket(bucketRows).Get([]byte(silo.String()))
		if data == nil {
			return nil
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("failed to decode membership row: %w", err)
		}
		t.Rows = append(t.Rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) InsertRow(ctx context.Context, entry *Entry, version TableVersion) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		current, err := readVersion(meta)
		if err != nil {
			return err
		}
		if current.Version != version.Version || current.Etag != version.Etag {
			return nil
		}
		rows := tx.Bucket(bucketRows)
		key := []byte(entry.Silo.String())
		if rows.Get(key) != nil {
			return nil
		}
		if err := putRow(rows, key, entry); err != nil {
			return err
		}
		if err := bumpVersion(meta, current); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *BoltStore) UpdateRow(ctx context.Context, entry *Entry, etag string, version TableVersion) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		current, err := readVersion(meta)
		if err != nil {
			return err
		}
		if current.Version != version.Version || current.Etag != version.Etag {
			return nil
		}
		rows := tx.Bucket(bucketRows)
		key := []byte(entry.Silo.String())
		data := rows.Get(key)
		if data == nil {
			return nil
		}
		var existing Row
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to decode membership row: %w", err)
		}
		if existing.Etag != etag {
			return nil
		}
		if err := putRow(rows, key, entry); err != nil {
			return err
		}
		if err := bumpVersion(meta, current); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *BoltStore) UpdateIAmAlive(ctx context.Context, entry *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		key := []byte(entry.Silo.String())
		data := rows.Get(key)
		if data == nil {
			return nil
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("failed to decode membership row: %w", err)
		}
		// Heartbeat fast path: the row etag and table version stay
		// untouched, so heartbeats never contend with status updates.
		row.Entry.IAmAliveTime = entry.IAmAliveTime
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		return rows.Put(key, data)
	})
}

func (s *BoltStore) DeleteTableEntries(ctx context.Context, clusterID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRows); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketRows); err != nil {
			return err
		}
		return putVersion(tx.Bucket(bucketMeta), TableVersion{Version: 0, Etag: uuid.New().String()})
	})
}

func (s *BoltStore) CleanupDefunct(ctx context.Context, before time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		var defunct [][]byte
		err := rows.ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Entry.Status == types.StatusDead && row.Entry.IAmAliveTime.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				defunct = append(defunct, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range defunct {
			if err := rows.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func readVersion(meta *bolt.Bucket) (TableVersion, error) {
	data := meta.Get(keyVersion)
	if data == nil {
		// No version row yet: readers see version 0 with an empty etag
		// and the first writer must go through Initialize.
		return TableVersion{}, nil
	}
	var v TableVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return TableVersion{}, fmt.Errorf("failed to decode table version: %w", err)
	}
	return v, nil
}

func putVersion(meta *bolt.Bucket, v TableVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return meta.Put(keyVersion, data)
}

func bumpVersion(meta *bolt.Bucket, current TableVersion) error {
	return putVersion(meta, TableVersion{Version: current.Version + 1, Etag: uuid.New().String()})
}

func putRow(rows *bolt.Bucket, key []byte, entry *Entry) error {
	data, err := json.Marshal(Row{Entry: entry, Etag: uuid.New().String()})
	if err != nil {
		return err
	}
	return rows.Put(key, data)
}
