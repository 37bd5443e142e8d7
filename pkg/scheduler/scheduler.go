package scheduler

import (
	"context"
	"sync"

	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
)

// Item is one unit of work bound to an activation: an incoming request,
// a timer tick, or a resumed continuation. Msg is nil for work that did
// not arrive as a message.
type Item struct {
	Run func()
	Msg *types.Message
}

// Scheduler runs activation groups on a fixed pool of workers. Groups
// are queued globally; distinct groups execute in parallel while each
// group runs at most one item at a time.
type Scheduler struct {
	workers int
	queue   chan *Group
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a scheduler with the given worker count.
func New(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		workers: workers,
		queue:   make(chan *Group, 1024),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop halts the workers. Queued items are abandoned; callers drain
// their groups before stopping the pool.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// NewGroup creates the serial execution context for one activation.
func (s *Scheduler) NewGroup(key string, policy Policy) *Group {
	if policy == nil {
		policy = NonReentrant{}
	}
	g := &Group{s: s, key: key, policy: policy}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case g := <-s.queue:
			g.runOne()
		case <-s.stopCh:
			return
		}
	}
}

// compensate adds a transient worker while a pool worker is parked on a
// suspended turn, so parallelism does not degrade under remote calls.
// The transient worker retires as soon as the global queue is empty.
func (s *Scheduler) compensate() {
	go func() {
		for {
			select {
			case g := <-s.queue:
				g.runOne()
			case <-s.stopCh:
				return
			default:
				return
			}
		}
	}()
}

func (s *Scheduler) enqueue(g *Group) {
	select {
	case s.queue <- g:
	case <-s.stopCh:
	default:
		// Queue full: hand off without blocking the caller.
		go func() {
			select {
			case s.queue <- g:
			case <-s.stopCh:
			}
		}()
	}
}

// Group is the per-activation work queue. Exactly one item of a group
// executes at a time; continuations posted by the running turn execute
// before the next externally queued message; the reentrancy policy
// decides whether externals may start while turns are suspended.
type Group struct {
	s      *Scheduler
	key    string
	policy Policy

	mu   sync.Mutex
	cond *sync.Cond

	external      []*Item
	continuations []func()
	inFlight      []*types.Message
	running       bool
	scheduled     bool
	stopping      bool
}

// Key returns the group's activation key.
func (g *Group) Key() string { return g.key }

// Post queues an external work item. During deactivation new externals
// are refused so the caller can reroute them.
func (g *Group) Post(item *Item) error {
	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		return types.ErrActivationStopping
	}
	g.external = append(g.external, item)
	metrics.WorkItemsQueued.Inc()
	g.mu.Unlock()
	g.kick()
	return nil
}

// PostContinuation queues work on behalf of an in-flight turn. It is
// accepted even while the group is stopping, so a draining turn can
// finish.
func (g *Group) PostContinuation(fn func()) {
	g.mu.Lock()
	g.continuations = append(g.continuations, fn)
	metrics.WorkItemsQueued.Inc()
	g.mu.Unlock()
	g.kick()
}

// Suspend marks the current turn as parked on an external completion.
// The activation becomes available for reentrant-eligible work and the
// pool compensates for the parked worker.
func (g *Group) Suspend() {
	g.mu.Lock()
	g.running = false
	g.cond.Broadcast()
	g.mu.Unlock()
	g.kick()
	g.s.compensate()
}

// Resume re-acquires the activation's execution slot after a Suspend.
// It blocks until no other item is running, restoring single-threaded
// execution before the suspended turn continues.
func (g *Group) Resume() {
	g.mu.Lock()
	for g.running {
		g.cond.Wait()
	}
	g.running = true
	g.mu.Unlock()
}

// Stop refuses further external items. Items already queued are handed
// to reject (unless nil) so the router can reroute them; continuations
// stay queued and drain.
func (g *Group) Stop(reject func(*Item)) {
	g.mu.Lock()
	g.stopping = true
	pending := g.external
	g.external = nil
	metrics.WorkItemsQueued.Sub(float64(len(pending)))
	g.mu.Unlock()
	if reject != nil {
		for _, item := range pending {
			reject(item)
		}
	}
	g.kick()
}

// Drain blocks until every queued item and in-flight turn of the group
// has completed, or the context expires.
func (g *Group) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.mu.Lock()
		for g.running || len(g.inFlight) > 0 || len(g.continuations) > 0 || len(g.external) > 0 {
			g.cond.Wait()
		}
		g.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it does not leak.
		g.cond.Broadcast()
		return ctx.Err()
	}
}

// Idle reports whether the group has no queued or in-flight work.
func (g *Group) Idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.running && len(g.inFlight) == 0 && len(g.continuations) == 0 && len(g.external) == 0
}

// kick schedules the group on the global queue when it has eligible
// work and is not already queued.
func (g *Group) kick() {
	g.mu.Lock()
	ready := !g.scheduled && !g.running && g.hasEligibleLocked()
	if ready {
		g.scheduled = true
	}
	g.mu.Unlock()
	if ready {
		g.s.enqueue(g)
	}
}

// runOne executes a single eligible item on the calling worker.
func (g *Group) runOne() {
	g.mu.Lock()
	g.scheduled = false
	if g.running {
		g.mu.Unlock()
		return
	}
	var fn func()
	var msg *types.Message
	isTurn := false
	if len(g.continuations) > 0 {
		fn = g.continuations[0]
		g.continuations = g.continuations[1:]
	} else if i := g.nextExternalLocked(); i >= 0 {
		item := g.external[i]
		g.external = append(g.external[:i], g.external[i+1:]...)
		fn, msg, isTurn = item.Run, item.Msg, true
		g.inFlight = append(g.inFlight, msg)
	} else {
		g.mu.Unlock()
		return
	}
	g.running = true
	metrics.WorkItemsQueued.Dec()
	g.mu.Unlock()

	fn()
	metrics.TurnsExecuted.Inc()

	g.mu.Lock()
	g.running = false
	if isTurn {
		g.removeInFlightLocked(msg)
	}
	g.cond.Broadcast()
	more := g.hasEligibleLocked() && !g.scheduled
	if more {
		g.scheduled = true
	}
	g.mu.Unlock()
	if more {
		g.s.enqueue(g)
	}
}

// nextExternalLocked returns the index of the first policy-eligible
// external item, or -1.
func (g *Group) nextExternalLocked() int {
	for i, item := range g.external {
		if g.policy.MayInterleave(g.inFlight, item.Msg) {
			return i
		}
	}
	return -1
}

func (g *Group) hasEligibleLocked() bool {
	return len(g.continuations) > 0 || g.nextExternalLocked() >= 0
}

func (g *Group) removeInFlightLocked(msg *types.Message) {
	for i, m := range g.inFlight {
		if m == msg {
			g.inFlight = append(g.inFlight[:i], g.inFlight[i+1:]...)
			return
		}
	}
}
