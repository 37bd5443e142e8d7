package scheduler

import (
	"github.com/granary-io/granary/pkg/types"
)

// Policy is the reentrancy rule of one grain type: it decides whether a
// pending external message may start while other turns of the same
// activation are still in flight (running or suspended on a remote
// call). Continuations of in-flight turns are never subject to policy.
type Policy interface {
	Name() string
	MayInterleave(inFlight []*types.Message, msg *types.Message) bool
}

// NonReentrant admits a message only when the activation is idle. This
// is the default.
type NonReentrant struct{}

func (NonReentrant) Name() string { return "non-reentrant" }

func (NonReentrant) MayInterleave(inFlight []*types.Message, msg *types.Message) bool {
	return len(inFlight) == 0
}

// Reentrant admits any pending message at any time.
type Reentrant struct{}

func (Reentrant) Name() string { return "reentrant" }

func (Reentrant) MayInterleave(inFlight []*types.Message, msg *types.Message) bool {
	return true
}

// MayInterleave defers the decision to a user predicate, evaluated per
// message. A message the predicate rejects waits for idleness like a
// non-reentrant one.
type MayInterleave struct {
	Predicate func(msg *types.Message) bool
}

func (MayInterleave) Name() string { return "may-interleave" }

func (p MayInterleave) MayInterleave(inFlight []*types.Message, msg *types.Message) bool {
	if len(inFlight) == 0 {
		return true
	}
	if msg == nil || p.Predicate == nil {
		return false
	}
	return p.Predicate(msg)
}

// CallChain admits a message that belongs to the same logical call
// chain (same root correlation id) as an in-flight turn, which unblocks
// the A -> B -> A call cycle that would otherwise deadlock.
type CallChain struct{}

func (CallChain) Name() string { return "call-chain" }

func (CallChain) MayInterleave(inFlight []*types.Message, msg *types.Message) bool {
	if len(inFlight) == 0 {
		return true
	}
	if msg == nil {
		return false
	}
	root := msg.CallChainRoot()
	if root == "" {
		return false
	}
	for _, m := range inFlight {
		if m != nil && m.CallChainRoot() == root {
			return true
		}
	}
	return false
}
