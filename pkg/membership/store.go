package membership

import (
	"context"
	"time"

	"github.com/granary-io/granary/pkg/types"
)

// Store is the pluggable membership table backend. All mutating
// operations are optimistic: they carry the version tags read earlier
// and return false, without error, when another writer got there first.
// Insert and update of a silo row are atomically paired with a bump of
// the table version row.
type Store interface {
	// Initialize prepares the backend; when tryInitVersion is set and no
	// table version row exists, version 0 is installed.
	Initialize(ctx context.Context, tryInitVersion bool) error

	// ReadAll returns a consistent snapshot of every row and the table
	// version.
	ReadAll(ctx context.Context) (*Table, error)

	// ReadRow returns a snapshot holding at most the one row for silo,
	// plus the table version.
	ReadRow(ctx context.Context, silo types.SiloAddress) (*Table, error)

	// InsertRow inserts a new row and bumps the table version. Returns
	// false on version mismatch or when the row already exists.
	InsertRow(ctx context.Context, entry *Entry, version TableVersion) (bool, error)

	// UpdateRow replaces a row guarded by its etag and bumps the table
	// version. Returns false on either mismatch.
	UpdateRow(ctx context.Context, entry *Entry, etag string, version TableVersion) (bool, error)

	// UpdateIAmAlive writes only the heartbeat timestamp of an existing
	// row, without touching etags or the table version. Never contends.
	UpdateIAmAlive(ctx context.Context, entry *Entry) error

	// DeleteTableEntries removes every row of a cluster.
	DeleteTableEntries(ctx context.Context, clusterID string) error

	// CleanupDefunct removes Dead rows whose heartbeat is older than
	// before.
	CleanupDefunct(ctx context.Context, before time.Time) error
}
