package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMembershipConfig() config.MembershipConfig {
	return config.MembershipConfig{
		HeartbeatPeriod:    50 * time.Millisecond,
		ProbePeriod:        50 * time.Millisecond,
		ProbeTimeout:       20 * time.Millisecond,
		NumProbedSilos:     2,
		SuspicionThreshold: 2,
		SuspicionWindow:    time.Minute,
		RefreshPeriod:      25 * time.Millisecond,
		DefunctRetention:   time.Hour,
		MaxCASRetries:      5,
	}
}

func alwaysUp() Prober {
	return ProbeFunc(func(ctx context.Context, target types.SiloAddress) error { return nil })
}

func TestOracleJoinAndStop(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	self := types.SiloAddress{Endpoint: "10.0.0.1:11711", Generation: 1}

	o := NewOracle(testMembershipConfig(), store, alwaysUp(), self, nil)
	require.NoError(t, o.Start(ctx))

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	row := table.Get(self)
	require.NotNil(t, row)
	assert.Equal(t, types.StatusActive, row.Entry.Status)
	// Insert bumped 0->1, promotion to Active bumped 1->2.
	assert.Equal(t, 2, table.Version.Version)

	require.NoError(t, o.Stop(ctx))

	table, err = store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, table.Get(self).Entry.Status)
}

func TestOracleSecondGenerationJoins(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	gen1 := types.SiloAddress{Endpoint: "10.0.0.1:11711", Generation: 1}
	gen2 := types.SiloAddress{Endpoint: "10.0.0.1:11711", Generation: 2}

	o1 := NewOracle(testMembershipConfig(), store, alwaysUp(), gen1, nil)
	require.NoError(t, o1.Start(ctx))
	require.NoError(t, o1.Stop(ctx))

	// The restarted process carries a new generation and is a distinct
	// silo; its row coexists with the dead gen-1 row.
	o2 := NewOracle(testMembershipConfig(), store, alwaysUp(), gen2, nil)
	require.NoError(t, o2.Start(ctx))
	defer o2.Stop(ctx)

	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 2)
	assert.Equal(t, types.StatusDead, table.Get(gen1).Entry.Status)
	assert.Equal(t, types.StatusActive, table.Get(gen2).Entry.Status)

	// The dead gen-1 row is superseded by the live gen-2 row.
	filtered := table.WithoutDuplicateDeads()
	require.Len(t, filtered, 1)
	assert.True(t, filtered[0].Entry.Silo.Equal(gen2))
}

func TestOracleSuspicionThresholdDeclaresDead(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	cfg := testMembershipConfig()

	addrs := testSilos(3)
	oracles := make([]*Oracle, 3)
	for i, a := range addrs {
		oracles[i] = NewOracle(cfg, store, alwaysUp(), a, nil)
		oracles[i].SetOnSelfDead(func() {})
		require.NoError(t, oracles[i].Start(ctx))
	}
	defer oracles[0].Stop(ctx)
	defer oracles[1].Stop(ctx)

	target := addrs[2]
	versionBefore := mustVersion(t, store)

	// One vote is below the threshold: the target stays alive.
	require.NoError(t, oracles[0].suspect(ctx, target))
	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, table.Get(target).Entry.Status)
	require.Len(t, table.Get(target).Entry.Suspectors, 1)

	// The second fresh vote reaches K=2 and kills the target.
	require.NoError(t, oracles[1].suspect(ctx, target))
	table, err = store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDead, table.Get(target).Entry.Status)
	assert.Greater(t, mustVersion(t, store), versionBefore)

	// Further votes against a dead silo are no-ops.
	require.NoError(t, oracles[0].suspect(ctx, target))
}

func TestOracleStaleSuspicionsDoNotCount(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	cfg := testMembershipConfig()
	cfg.SuspicionWindow = 30 * time.Millisecond

	addrs := testSilos(3)
	oracles := make([]*Oracle, 3)
	for i, a := range addrs {
		oracles[i] = NewOracle(cfg, store, alwaysUp(), a, nil)
		require.NoError(t, oracles[i].Start(ctx))
		defer oracles[i].Stop(ctx)
	}

	target := addrs[2]
	require.NoError(t, oracles[0].suspect(ctx, target))
	time.Sleep(2 * cfg.SuspicionWindow)

	// The first vote has aged out of the window; this second vote
	// leaves the count at one and the target alive.
	require.NoError(t, oracles[1].suspect(ctx, target))
	table, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, table.Get(target).Entry.Status)
	assert.Len(t, table.Get(target).Entry.Suspectors, 1)
}

func TestOracleSelfDeadTriggersExit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	cfg := testMembershipConfig()

	addrs := testSilos(2)
	victim := NewOracle(cfg, store, alwaysUp(), addrs[0], nil)
	exited := make(chan struct{})
	victim.SetOnSelfDead(func() { close(exited) })
	require.NoError(t, victim.Start(ctx))

	killer := NewOracle(cfg, store, alwaysUp(), addrs[1], nil)
	require.NoError(t, killer.Start(ctx))
	defer killer.Stop(ctx)

	// Two votes from the same suspector only replace each other, so
	// drop the threshold to one for this test's kill.
	killer.cfg.SuspicionThreshold = 1
	require.NoError(t, killer.suspect(ctx, addrs[0]))

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("victim never observed its own death")
	}
}

func TestOracleProbeFailureVotes(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	cfg := testMembershipConfig()

	addrs := testSilos(2)
	down := errors.New("connection refused")
	prober := ProbeFunc(func(ctx context.Context, target types.SiloAddress) error {
		if target.Equal(addrs[1]) {
			return down
		}
		return nil
	})

	o := NewOracle(cfg, store, prober, addrs[0], nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	peer := NewOracle(cfg, store, alwaysUp(), addrs[1], nil)
	require.NoError(t, peer.Start(ctx))
	require.NoError(t, o.Refresh(ctx))

	// Within a few probe periods the failing peer accumulates this
	// silo's suspicion vote.
	require.Eventually(t, func() bool {
		table, err := store.ReadAll(ctx)
		if err != nil {
			return false
		}
		row := table.Get(addrs[1])
		return row != nil && len(row.Entry.Suspectors) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func mustVersion(t *testing.T, store Store) int {
	t.Helper()
	table, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	return table.Version.Version
}
