package placement

import (
	"fmt"
	"testing"

	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silos(n int) []types.SiloAddress {
	out := make([]types.SiloAddress, n)
	for i := range out {
		out[i] = types.SiloAddress{Endpoint: fmt.Sprintf("10.2.0.%d:11711", i+1), Generation: 1}
	}
	return out
}

func TestRandomActiveExcludesOverloaded(t *testing.T) {
	active := silos(3)
	pc := Context{
		Grain:  types.GrainString("test.worker", "g"),
		Local:  active[0],
		Active: active,
		Loads: map[string]SiloLoad{
			active[1].String(): {Overloaded: true},
		},
	}
	s := NewRandomActive(1)
	for i := 0; i < 50; i++ {
		picked, err := s.Pick(pc)
		require.NoError(t, err)
		assert.False(t, picked.Equal(active[1]), "picked an overloaded silo")
	}
}

func TestRandomActiveAllOverloadedStillPlaces(t *testing.T) {
	active := silos(2)
	pc := Context{Active: active, Loads: map[string]SiloLoad{
		active[0].String(): {Overloaded: true},
		active[1].String(): {Overloaded: true},
	}}
	_, err := NewRandomActive(1).Pick(pc)
	assert.NoError(t, err)
}

func TestRandomActiveNoSilos(t *testing.T) {
	_, err := NewRandomActive(1).Pick(Context{})
	assert.ErrorIs(t, err, types.ErrSiloUnavailable)
}

func TestPreferLocal(t *testing.T) {
	active := silos(3)
	s := NewPreferLocal(1)

	picked, err := s.Pick(Context{Local: active[0], Active: active})
	require.NoError(t, err)
	assert.True(t, picked.Equal(active[0]))

	// Overloaded local falls back to a random peer.
	pc := Context{Local: active[0], Active: active, Loads: map[string]SiloLoad{
		active[0].String(): {Overloaded: true},
	}}
	picked, err = s.Pick(pc)
	require.NoError(t, err)
	assert.False(t, picked.Equal(active[0]))
}

func TestHashBasedDeterministic(t *testing.T) {
	active := silos(5)
	s := HashBased{}
	grain := types.GrainInt("test.counter", 42)

	first, err := s.Pick(Context{Grain: grain, Active: active})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Pick(Context{Grain: grain, Active: active})
		require.NoError(t, err)
		assert.True(t, again.Equal(first))
	}
}

func TestHashBasedStableUnderMembershipChange(t *testing.T) {
	active := silos(5)
	s := HashBased{}

	// Removing one silo must only move the grains it was hosting;
	// every other grain keeps its placement. This is the rendezvous
	// property modulo hashing lacks.
	removed := active[2]
	shrunk := append(append([]types.SiloAddress{}, active[:2]...), active[3:]...)

	moved := 0
	for i := 0; i < 200; i++ {
		grain := types.GrainInt("test.counter", int64(i))
		before, err := s.Pick(Context{Grain: grain, Active: active})
		require.NoError(t, err)
		after, err := s.Pick(Context{Grain: grain, Active: shrunk})
		require.NoError(t, err)
		if before.Equal(removed) {
			moved++
			assert.False(t, after.Equal(removed))
		} else {
			assert.True(t, after.Equal(before), "grain %d moved without cause", i)
		}
	}
	assert.Greater(t, moved, 0, "expected the removed silo to have hosted some grains")
}

func TestActivityCountPicksLeastLoaded(t *testing.T) {
	active := silos(3)
	pc := Context{
		Active: active,
		Loads: map[string]SiloLoad{
			active[0].String(): {Activations: 100, CPUPercent: 50},
			active[1].String(): {Activations: 3, CPUPercent: 10},
			active[2].String(): {Activations: 40, CPUPercent: 5},
		},
	}
	picked, err := ActivityCount{}.Pick(pc)
	require.NoError(t, err)
	assert.True(t, picked.Equal(active[1]))
}

func TestDirectorStrategyRegistry(t *testing.T) {
	active := silos(2)
	view := &fixedView{self: active[0], active: active}
	d := NewDirector(view, nil, 1)

	d.SetStrategy("test.pinned", StatelessWorker{})
	assert.Equal(t, "stateless-worker", d.StrategyFor("test.pinned").Name())
	assert.Equal(t, "random", d.StrategyFor("test.other").Name())

	picked, err := d.Place(types.GrainString("test.pinned", "x"))
	require.NoError(t, err)
	assert.True(t, picked.Equal(active[0]))
}

type fixedView struct {
	self   types.SiloAddress
	active []types.SiloAddress
}

func (v *fixedView) Self() types.SiloAddress          { return v.self }
func (v *fixedView) ActiveSilos() []types.SiloAddress { return v.active }
