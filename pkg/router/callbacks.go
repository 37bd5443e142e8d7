package router

import (
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
)

// Completion receives a request's single terminal event: a response, an
// application error carried in the response, or a runtime failure.
type Completion func(resp *types.Response, err error)

type callbackKey struct {
	grain string
	id    types.CorrelationID
}

// callback is one outstanding request awaiting its terminal event.
type callback struct {
	msg     *types.Message
	done    Completion
	expires time.Time
	started time.Time
}

// callbackTable indexes outstanding requests. Removal is the
// exactly-once gate: whichever path removes the record delivers the
// terminal event.
type callbackTable struct {
	mu      sync.Mutex
	pending map[callbackKey]*callback
}

func newCallbackTable() *callbackTable {
	return &callbackTable{pending: make(map[callbackKey]*callback)}
}

func (t *callbackTable) insert(cb *callback) {
	key := callbackKey{cb.msg.SendingGrain.Key(), cb.msg.ID}
	t.mu.Lock()
	t.pending[key] = cb
	n := len(t.pending)
	t.mu.Unlock()
	metrics.CallbacksPending.Set(float64(n))
}

// remove claims the record, or returns nil when another path already
// delivered the terminal event.
func (t *callbackTable) remove(grain types.GrainID, id types.CorrelationID) *callback {
	key := callbackKey{grain.Key(), id}
	t.mu.Lock()
	cb := t.pending[key]
	delete(t.pending, key)
	n := len(t.pending)
	t.mu.Unlock()
	metrics.CallbacksPending.Set(float64(n))
	return cb
}

// addressed records where a pending request was last routed, so a
// silo-death sweep can find the requests in flight to that silo.
func (t *callbackTable) addressed(grain types.GrainID, id types.CorrelationID, silo types.SiloAddress, act types.ActivationID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb := t.pending[callbackKey{grain.Key(), id}]; cb != nil {
		cb.msg.TargetSilo = silo
		cb.msg.TargetAct = act
	}
}

// get peeks at a record without claiming it.
func (t *callbackTable) get(grain types.GrainID, id types.CorrelationID) *callback {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[callbackKey{grain.Key(), id}]
}

// expired returns the records whose deadline passed, claiming them.
func (t *callbackTable) expired(now time.Time) []*callback {
	t.mu.Lock()
	var out []*callback
	for key, cb := range t.pending {
		if now.After(cb.expires) {
			delete(t.pending, key)
			out = append(out, cb)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()
	metrics.CallbacksPending.Set(float64(n))
	return out
}

// forSilo claims every record whose request was last sent to the given
// silo. Used when a silo is declared dead.
func (t *callbackTable) forSilo(silo types.SiloAddress) []*callback {
	t.mu.Lock()
	var out []*callback
	for key, cb := range t.pending {
		if cb.msg.TargetSilo.Equal(silo) {
			delete(t.pending, key)
			out = append(out, cb)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()
	metrics.CallbacksPending.Set(float64(n))
	return out
}

func (t *callbackTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
