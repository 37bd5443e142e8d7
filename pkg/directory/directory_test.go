package directory

import (
	"context"
	"fmt"
	"testing"

	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticView is a ClusterView pinned to a fixed membership set.
type staticView struct {
	self types.SiloAddress
	ring *membership.Ring
}

func (v *staticView) Self() types.SiloAddress { return v.self }
func (v *staticView) Ring() *membership.Ring  { return v.ring }

// loopback wires a set of directories together in-process so remote
// operations hit the owner's partition directly.
type loopback struct {
	dirs map[string]*Directory
}

func (l *loopback) Register(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) (types.ActivationAddress, error) {
	d, ok := l.dirs[owner.String()]
	if !ok {
		return types.ActivationAddress{}, types.ErrSiloUnavailable
	}
	return d.RegisterLocal(addr), nil
}

func (l *loopback) Unregister(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) error {
	d, ok := l.dirs[owner.String()]
	if !ok {
		return types.ErrSiloUnavailable
	}
	d.UnregisterLocal(addr)
	return nil
}

func (l *loopback) Lookup(ctx context.Context, owner types.SiloAddress, grain types.GrainID) (types.ActivationAddress, bool, error) {
	d, ok := l.dirs[owner.String()]
	if !ok {
		return types.ActivationAddress{}, false, types.ErrSiloUnavailable
	}
	addr, found := d.LookupLocal(grain)
	return addr, found, nil
}

// testCluster builds n silos, each with its own directory, all sharing
// one ring.
func testCluster(n int) ([]types.SiloAddress, []*Directory) {
	silos := make([]types.SiloAddress, n)
	for i := range silos {
		silos[i] = types.SiloAddress{Endpoint: fmt.Sprintf("10.1.0.%d:11711", i+1), Generation: 1}
	}
	ring := membership.NewRing(silos)
	lb := &loopback{dirs: make(map[string]*Directory)}
	dirs := make([]*Directory, n)
	for i := range dirs {
		dirs[i] = New(&staticView{self: silos[i], ring: ring}, lb)
		lb.dirs[silos[i].String()] = dirs[i]
	}
	return silos, dirs
}

func activationOn(grain types.GrainID, silo types.SiloAddress) types.ActivationAddress {
	return types.ActivationAddress{Grain: grain, Silo: silo, Activation: types.NewActivationID()}
}

func TestRegisterAndLookupAcrossSilos(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(3)
	grain := types.GrainString("test.counter", "g1")

	addr := activationOn(grain, silos[0])
	winner, err := dirs[0].Register(ctx, addr)
	require.NoError(t, err)
	assert.True(t, winner.Equal(addr))

	// Every silo resolves the same address, regardless of who owns the
	// entry.
	for i, d := range dirs {
		got, found, err := d.Lookup(ctx, grain)
		require.NoError(t, err, "silo %d", i)
		require.True(t, found, "silo %d", i)
		assert.True(t, got.Equal(addr), "silo %d", i)
	}
}

func TestRegisterRaceDeterministicWinner(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(2)
	grain := types.GrainString("test.counter", "raced")

	a := types.ActivationAddress{Grain: grain, Silo: silos[0], Activation: "aaaa"}
	b := types.ActivationAddress{Grain: grain, Silo: silos[1], Activation: "bbbb"}

	w1, err := dirs[0].Register(ctx, a)
	require.NoError(t, err)
	w2, err := dirs[1].Register(ctx, b)
	require.NoError(t, err)

	// Both registrations resolve to the same winner: the lower
	// (silo, activation id) tuple.
	expected := a
	if b.Less(a) {
		expected = b
	}
	assert.True(t, w1.Equal(expected) || w2.Equal(expected))

	got, found, err := dirs[0].Lookup(ctx, grain)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(expected))
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(2)
	grain := types.GrainInt("test.counter", 7)
	addr := activationOn(grain, silos[0])

	w1, err := dirs[0].Register(ctx, addr)
	require.NoError(t, err)
	w2, err := dirs[0].Register(ctx, addr)
	require.NoError(t, err)
	assert.True(t, w1.Equal(w2))
}

func TestUnregisterIsExact(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(2)
	grain := types.GrainString("test.counter", "exact")

	current := activationOn(grain, silos[0])
	_, err := dirs[0].Register(ctx, current)
	require.NoError(t, err)

	// Unregistering a different activation of the same grain is a no-op.
	stale := activationOn(grain, silos[1])
	require.NoError(t, dirs[0].Unregister(ctx, stale))
	_, found, err := dirs[0].Lookup(ctx, grain)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, dirs[0].Unregister(ctx, current))
	_, found, err = dirs[0].Lookup(ctx, grain)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheInvalidationHeader(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(3)

	// Find a grain owned by silo 1 so silo 0 caches the entry.
	var grain types.GrainID
	for i := 0; ; i++ {
		g := types.GrainInt("test.counter", int64(i))
		owner, ok := dirs[0].Owner(g)
		require.True(t, ok)
		if owner.Equal(silos[1]) {
			grain = g
			break
		}
	}

	addr := activationOn(grain, silos[2])
	_, err := dirs[1].Register(ctx, addr)
	require.NoError(t, err)

	// Populate silo 0's cache.
	_, found, err := dirs[0].Lookup(ctx, grain)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, dirs[0].cache.Len())

	// An invalidation header for a different activation leaves the
	// cache alone; the exact address drops it.
	other := activationOn(grain, silos[2])
	dirs[0].ProcessInvalidations([]types.ActivationAddress{other})
	assert.Equal(t, 1, dirs[0].cache.Len())

	dirs[0].ProcessInvalidations([]types.ActivationAddress{addr})
	assert.Equal(t, 0, dirs[0].cache.Len())
}

func TestMembershipChangePurgesDeadRoutes(t *testing.T) {
	ctx := context.Background()
	silos, dirs := testCluster(3)

	// One grain activated on silo 2, owned by whichever silo the ring
	// picks; cache it on silo 0.
	grain := types.GrainString("test.counter", "doomed")
	addr := activationOn(grain, silos[2])
	_, err := dirs[0].Register(ctx, addr)
	require.NoError(t, err)
	_, found, err := dirs[0].Lookup(ctx, grain)
	require.NoError(t, err)
	require.True(t, found)

	// Silo 2 dies: the surviving silos see a table without it.
	table := &membership.Table{}
	for _, s := range silos[:2] {
		table.Rows = append(table.Rows, membership.Row{Entry: &membership.Entry{Silo: s, Status: types.StatusActive}})
	}
	for _, d := range dirs[:2] {
		d.OnMembershipChange(table)
	}

	assert.Equal(t, 0, dirs[0].cache.Len())
	assert.Equal(t, 0, dirs[0].PartitionSize())
	assert.Equal(t, 0, dirs[1].PartitionSize())
}
