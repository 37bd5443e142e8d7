package reminders

import (
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/types"
)

// TimerSet holds the volatile timers of the activations on one silo.
// Timers are keyed by (grain, name); registering an existing key
// replaces the previous timer. A timer's callback runs on the timer
// goroutine; callers that need single-threaded execution post the work
// into the activation's scheduler group from the callback.
type TimerSet struct {
	mu     sync.Mutex
	timers map[string]*grainTimer
	closed bool
}

type grainTimer struct {
	timer  *time.Timer
	period time.Duration
	fire   func()
}

// NewTimerSet returns an empty timer set.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[string]*grainTimer)}
}

// Register schedules fire after due, then every period. A zero period
// makes the timer one-shot. An existing timer with the same key is
// replaced.
func (ts *TimerSet) Register(grain types.GrainID, name string, due, period time.Duration, fire func()) {
	key := reminderKey(grain, name)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	if prev, ok := ts.timers[key]; ok {
		prev.timer.Stop()
	}
	gt := &grainTimer{period: period, fire: fire}
	gt.timer = time.AfterFunc(due, func() { ts.tick(key, gt) })
	ts.timers[key] = gt
}

func (ts *TimerSet) tick(key string, gt *grainTimer) {
	ts.mu.Lock()
	current, live := ts.timers[key]
	// A concurrent Cancel or re-Register makes this firing stale.
	if !live || current != gt || ts.closed {
		ts.mu.Unlock()
		return
	}
	if gt.period > 0 {
		gt.timer.Reset(gt.period)
	} else {
		delete(ts.timers, key)
	}
	ts.mu.Unlock()
	gt.fire()
}

// Cancel stops the timer for (grain, name). It reports whether a timer
// was registered.
func (ts *TimerSet) Cancel(grain types.GrainID, name string) bool {
	key := reminderKey(grain, name)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	gt, ok := ts.timers[key]
	if !ok {
		return false
	}
	gt.timer.Stop()
	delete(ts.timers, key)
	return true
}

// CancelGrain stops every timer the grain registered. Called on
// deactivation.
func (ts *TimerSet) CancelGrain(grain types.GrainID) {
	prefix := grain.Key() + "/"
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for key, gt := range ts.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			gt.timer.Stop()
			delete(ts.timers, key)
		}
	}
}

// Len returns the number of live timers.
func (ts *TimerSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// Close stops every timer and rejects further registrations.
func (ts *TimerSet) Close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for key, gt := range ts.timers {
		gt.timer.Stop()
		delete(ts.timers, key)
	}
}
