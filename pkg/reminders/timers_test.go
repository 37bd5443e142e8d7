package reminders

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerOneShot(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Close()
	grain := types.GrainString("counter", "c1")

	fired := make(chan struct{})
	ts.Register(grain, "poke", 5*time.Millisecond, 0, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot timer never fired")
	}
	// One-shot timers remove themselves.
	assert.Eventually(t, func() bool { return ts.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerPeriodic(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Close()
	grain := types.GrainString("counter", "c1")

	var fires atomic.Int32
	ts.Register(grain, "poke", time.Millisecond, time.Millisecond, func() { fires.Add(1) })

	assert.Eventually(t, func() bool { return fires.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, ts.Len())
}

func TestTimerCancel(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Close()
	grain := types.GrainString("counter", "c1")

	var fires atomic.Int32
	ts.Register(grain, "poke", time.Hour, 0, func() { fires.Add(1) })
	require.True(t, ts.Cancel(grain, "poke"))
	assert.False(t, ts.Cancel(grain, "poke"))
	assert.Zero(t, ts.Len())
	assert.Zero(t, fires.Load())
}

func TestTimerReplaceSupersedes(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Close()
	grain := types.GrainString("counter", "c1")

	var old atomic.Int32
	fired := make(chan struct{})
	ts.Register(grain, "poke", time.Hour, 0, func() { old.Add(1) })
	ts.Register(grain, "poke", 5*time.Millisecond, 0, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement timer never fired")
	}
	assert.Zero(t, old.Load(), "superseded timer must not fire")
}

func TestCancelGrainDropsAllTimersOfGrain(t *testing.T) {
	ts := NewTimerSet()
	defer ts.Close()
	g1 := types.GrainString("counter", "c1")
	g2 := types.GrainString("counter", "c2")

	ts.Register(g1, "a", time.Hour, 0, func() {})
	ts.Register(g1, "b", time.Hour, 0, func() {})
	ts.Register(g2, "a", time.Hour, 0, func() {})
	require.Equal(t, 3, ts.Len())

	ts.CancelGrain(g1)
	assert.Equal(t, 1, ts.Len())
	assert.True(t, ts.Cancel(g2, "a"))
}

func TestCloseStopsEverything(t *testing.T) {
	ts := NewTimerSet()
	grain := types.GrainString("counter", "c1")

	var fires atomic.Int32
	ts.Register(grain, "poke", time.Hour, 0, func() { fires.Add(1) })
	ts.Close()
	assert.Zero(t, ts.Len())

	// Registrations after Close are ignored.
	ts.Register(grain, "late", time.Millisecond, 0, func() { fires.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fires.Load())
	assert.Zero(t, ts.Len())
}
