package membership

import (
	"context"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(endpoint string, gen int32, status types.SiloStatus) *Entry {
	return &Entry{
		Silo:         types.SiloAddress{Endpoint: endpoint, Generation: gen},
		HostName:     "test-host",
		Role:         "silo",
		Status:       status,
		StartTime:    time.Now(),
		IAmAliveTime: time.Now(),
	}
}

// storeUnderTest lets the same suite run against every Store
// implementation.
func storesUnderTest(t *testing.T) map[string]Store {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"inmem": NewInMemStore(),
		"bolt":  bolt,
	}
}

func TestStoreInsertAndRead(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			table, err := store.ReadAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, table.Version.Version)
			assert.Empty(t, table.Rows)

			entry := newEntry("10.0.0.1:11711", 1, types.StatusJoining)
			ok, err := store.InsertRow(ctx, entry, table.Version)
			require.NoError(t, err)
			require.True(t, ok)

			table, err = store.ReadAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, table.Version.Version)
			require.Len(t, table.Rows, 1)
			assert.Equal(t, types.StatusJoining, table.Rows[0].Entry.Status)
			assert.NotEmpty(t, table.Rows[0].Etag)
		})
	}
}

func TestStoreInsertContention(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			table, err := store.ReadAll(ctx)
			require.NoError(t, err)

			ok, err := store.InsertRow(ctx, newEntry("10.0.0.1:11711", 1, types.StatusJoining), table.Version)
			require.NoError(t, err)
			require.True(t, ok)

			// Second insert with the stale version must fail quietly.
			ok, err = store.InsertRow(ctx, newEntry("10.0.0.2:11711", 1, types.StatusJoining), table.Version)
			require.NoError(t, err)
			assert.False(t, ok)

			// Re-inserting an existing row fails even with a fresh version.
			table, err = store.ReadAll(ctx)
			require.NoError(t, err)
			ok, err = store.InsertRow(ctx, newEntry("10.0.0.1:11711", 1, types.StatusActive), table.Version)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreUpdateRowEtagGuard(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			table, err := store.ReadAll(ctx)
			require.NoError(t, err)
			entry := newEntry("10.0.0.1:11711", 1, types.StatusJoining)
			ok, err := store.InsertRow(ctx, entry, table.Version)
			require.NoError(t, err)
			require.True(t, ok)

			table, err = store.ReadAll(ctx)
			require.NoError(t, err)
			row := table.Get(entry.Silo)
			require.NotNil(t, row)

			updated := row.Entry.Clone()
			updated.Status = types.StatusActive
			ok, err = store.UpdateRow(ctx, updated, row.Etag, table.Version)
			require.NoError(t, err)
			require.True(t, ok)

			// The first writer consumed the etag and the table version;
			// a second write with the same tags must lose.
			updated2 := row.Entry.Clone()
			updated2.Status = types.StatusDead
			ok, err = store.UpdateRow(ctx, updated2, row.Etag, table.Version)
			require.NoError(t, err)
			assert.False(t, ok)

			table, err = store.ReadAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.StatusActive, table.Get(entry.Silo).Entry.Status)
		})
	}
}

func TestStoreVersionMonotonic(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			last := -1
			for i := 0; i < 5; i++ {
				table, err := store.ReadAll(ctx)
				require.NoError(t, err)
				assert.Greater(t, table.Version.Version, last)
				last = table.Version.Version

				entry := newEntry("10.0.0.1:11711", int32(i+1), types.StatusJoining)
				ok, err := store.InsertRow(ctx, entry, table.Version)
				require.NoError(t, err)
				require.True(t, ok)
			}
		})
	}
}

func TestStoreIAmAliveFastPath(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			table, err := store.ReadAll(ctx)
			require.NoError(t, err)
			entry := newEntry("10.0.0.1:11711", 1, types.StatusActive)
			ok, err := store.InsertRow(ctx, entry, table.Version)
			require.NoError(t, err)
			require.True(t, ok)

			before, err := store.ReadAll(ctx)
			require.NoError(t, err)

			beat := time.Now().Add(time.Minute)
			require.NoError(t, store.UpdateIAmAlive(ctx, &Entry{Silo: entry.Silo, IAmAliveTime: beat}))

			after, err := store.ReadAll(ctx)
			require.NoError(t, err)
			// Heartbeats bump neither the table version nor the row etag.
			assert.Equal(t, before.Version, after.Version)
			assert.Equal(t, before.Get(entry.Silo).Etag, after.Get(entry.Silo).Etag)
			assert.WithinDuration(t, beat, after.Get(entry.Silo).Entry.IAmAliveTime, time.Second)
		})
	}
}

func TestStoreCleanupDefunct(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, true))

			dead := newEntry("10.0.0.1:11711", 1, types.StatusDead)
			dead.IAmAliveTime = time.Now().Add(-48 * time.Hour)
			live := newEntry("10.0.0.2:11711", 1, types.StatusActive)

			for _, e := range []*Entry{dead, live} {
				table, err := store.ReadAll(ctx)
				require.NoError(t, err)
				ok, err := store.InsertRow(ctx, e, table.Version)
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.NoError(t, store.CleanupDefunct(ctx, time.Now().Add(-24*time.Hour)))

			table, err := store.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, table.Rows, 1)
			assert.True(t, table.Rows[0].Entry.Silo.Equal(live.Silo))
		})
	}
}
