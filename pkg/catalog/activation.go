package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/types"
)

// Grain is the application-facing life of one activation. Invoke runs
// on the activation's scheduler group, one turn at a time.
type Grain interface {
	OnActivate(ctx context.Context) error
	OnDeactivate(reason types.DeactivationReason)
	Invoke(ctx context.Context, method string, args []byte) ([]byte, error)
}

// Factory materializes a grain instance for an identity.
type Factory func(id types.GrainID) Grain

// Registration describes one grain type hosted by the silo.
type Registration struct {
	Type   string
	New    Factory
	Policy scheduler.Policy
	// Stateless marks a stateless-worker type: activations are pooled
	// locally and never registered in the directory.
	Stateless bool
}

type activationState int

const (
	stateCreating activationState = iota
	stateActive
	stateStopping
)

// Activation is one live grain instance plus its execution context.
type Activation struct {
	Address types.ActivationAddress
	Grain   Grain
	Group   *scheduler.Group

	mu      sync.Mutex
	state   activationState
	created time.Time
	lastUse time.Time
	ready   chan struct{} // closed when OnActivate finished (or failed)
	initErr error
}

// Touch records use for idle collection.
func (a *Activation) Touch() {
	a.mu.Lock()
	a.lastUse = time.Now()
	a.mu.Unlock()
}

// IdleSince returns the time of last use.
func (a *Activation) IdleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUse
}

// Stopping reports whether the activation is past its useful life.
func (a *Activation) Stopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateStopping
}

// Ready blocks until OnActivate completed and returns its outcome, so
// racing creators all observe the same activation result.
func (a *Activation) Ready(ctx context.Context) error {
	select {
	case <-a.ready:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Activation) setState(s activationState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
