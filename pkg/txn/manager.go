package txn

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// CommitSink receives transactions as they exit the lock, in commit
// timestamp order. The silo's commit machinery applies the state write
// and answers the coordinator from here.
type CommitSink func(grain types.GrainID, rec *Record)

// Manager serializes transactions over one grain's transactional state.
type Manager struct {
	grain  types.GrainID
	cfg    config.TxnConfig
	sink   CommitSink
	logger zerolog.Logger

	mu   sync.Mutex
	head *group // holds the lock; nil when idle
	tail *group

	// Cached minimum pending timestamp of the head group. Recomputing it
	// on every exit check is the hot path; mutations of the head
	// invalidate the cache instead.
	minPending      time.Time
	minPendingSome  bool
	minPendingValid bool

	commitQ commitQueue

	// faults remembers transactions the manager broke on its own
	// (deadline sweeps, AbortAll) so their next Validate or Complete
	// surfaces the specific cause instead of a bare broken lock.
	faults map[ID]fault

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the lock manager for one grain. sink may be nil
// when commits are observed through Validate polling (tests).
func NewManager(grain types.GrainID, cfg config.TxnConfig, sink CommitSink) *Manager {
	m := &Manager{
		grain:    grain,
		cfg:      cfg,
		sink:     sink,
		logger:   log.WithComponent("txn").With().Str("grain", grain.String()).Logger(),
		faults:   make(map[ID]fault),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Stop halts the exit worker. Remaining transactions are broken.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Enter admits a transaction access to the grain's lock. accessCount is
// the number of accesses the caller believes the lock has already
// admitted for this transaction; a mismatch fails with ErrBrokenLock.
// task runs, with the transaction's record, once the chosen group holds
// the lock; for a transaction entering the head group it runs before
// Enter returns.
func (m *Manager) Enter(txID ID, priority time.Time, accessCount int, isRead bool, task func(*Record)) error {
	m.mu.Lock()

	if g, rec := m.findLocked(txID); rec != nil {
		if rec.AccessCount() != accessCount {
			m.mu.Unlock()
			return fmt.Errorf("transaction %s re-entry with count %d, lock has %d: %w",
				txID, accessCount, rec.AccessCount(), types.ErrBrokenLock)
		}
		if err := m.resolveConflictsLocked(g, rec, isRead); err != nil {
			m.mu.Unlock()
			return err
		}
		if isRead {
			rec.Reads++
		} else {
			rec.Writes++
		}
		m.scheduleLocked(g, rec, task)
		m.mu.Unlock()
		m.kick()
		return nil
	}

	g := m.placeLocked(isRead)
	rec := &Record{
		ID:       txID,
		Priority: priority,
		Deadline: time.Now().Add(m.cfg.AcquireTimeout),
	}
	if isRead {
		rec.Reads = 1
	} else {
		rec.Writes = 1
	}
	g.records[txID] = rec
	g.fill++
	if g == m.head {
		m.minPendingValid = false
	}
	m.scheduleLocked(g, rec, task)
	m.mu.Unlock()
	m.kick()
	return nil
}

// Validate checks that the transaction still holds the lock with the
// expected access count and returns its record. A missing transaction
// fails with ErrBrokenLock; a count mismatch rolls the transaction back
// and fails with ErrLockValidationFailed.
func (m *Manager) Validate(txID ID, accessCount int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.head == nil {
		if err := m.takeFaultLocked(txID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction %s: lock not held: %w", txID, types.ErrBrokenLock)
	}
	rec, ok := m.head.records[txID]
	if !ok {
		if err := m.takeFaultLocked(txID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction %s not in current group: %w", txID, types.ErrBrokenLock)
	}
	if rec.AccessCount() != accessCount {
		m.removeLocked(m.head, txID)
		return nil, fmt.Errorf("transaction %s count %d, lock has %d: %w",
			txID, accessCount, rec.AccessCount(), types.ErrLockValidationFailed)
	}
	return rec, nil
}

// Complete records the transaction's commit decision. The exit worker
// moves it to the commit queue once its timestamp clears the group's
// pending minimum.
func (m *Manager) Complete(txID ID, role Role, commitTime time.Time) error {
	m.mu.Lock()
	if m.head == nil {
		err := m.takeFaultLocked(txID)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("transaction %s: lock not held: %w", txID, types.ErrBrokenLock)
	}
	rec, ok := m.head.records[txID]
	if !ok {
		err := m.takeFaultLocked(txID)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("transaction %s not in current group: %w", txID, types.ErrBrokenLock)
	}
	rec.Role = role
	rec.CommitTime = commitTime
	m.minPendingValid = false
	m.mu.Unlock()
	m.kick()
	return nil
}

// Rollback removes the transaction from whichever group holds it. The
// group's fill count is left as is.
func (m *Manager) Rollback(txID ID) {
	m.mu.Lock()
	if g, rec := m.findLocked(txID); rec != nil {
		m.removeLocked(g, txID)
	}
	m.mu.Unlock()
	m.kick()
}

// AbortAll breaks every record in the current group. In-flight
// transactions discover the break on their next Validate.
func (m *Manager) AbortAll(cause error) {
	m.mu.Lock()
	n := 0
	if m.head != nil {
		n = len(m.head.records)
		now := time.Now()
		for id := range m.head.records {
			m.faultLocked(id, types.ErrTransactionAborted, now)
		}
		m.head.records = make(map[ID]*Record)
		m.minPendingValid = false
	}
	m.mu.Unlock()
	if n > 0 {
		metrics.TransactionsAborted.WithLabelValues("abort-all").Add(float64(n))
		m.logger.Warn().Err(cause).Int("transactions", n).Msg("aborted current lock group")
	}
	m.kick()
}

// Depth returns the number of groups queued, including the holder.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for g := m.head; g != nil; g = g.next {
		n++
	}
	return n
}

// fault is a pending break notice for one transaction.
type fault struct {
	cause error
	at    time.Time
}

// faultLocked marks txID as broken by the manager with the given cause.
func (m *Manager) faultLocked(txID ID, cause error, at time.Time) {
	m.faults[txID] = fault{cause: cause, at: at}
}

// takeFaultLocked consumes the break notice for txID, if one exists.
func (m *Manager) takeFaultLocked(txID ID) error {
	f, ok := m.faults[txID]
	if !ok {
		return nil
	}
	delete(m.faults, txID)
	return fmt.Errorf("transaction %s: %w", txID, f.cause)
}

// findLocked returns the group and record holding txID, if any.
func (m *Manager) findLocked(txID ID) (*group, *Record) {
	for g := m.head; g != nil; g = g.next {
		if rec, ok := g.records[txID]; ok {
			return g, rec
		}
	}
	return nil, nil
}

// resolveConflictsLocked applies the priority rule for a re-entering
// transaction upgrading its access: when it outranks every conflicting
// sibling the siblings are rolled back, otherwise the upgrade fails.
func (m *Manager) resolveConflictsLocked(g *group, rec *Record, isRead bool) error {
	conflicting := g.conflicts(rec.ID, isRead)
	if len(conflicting) == 0 {
		return nil
	}
	for _, c := range conflicting {
		if !rec.Priority.Before(c.Priority) {
			return fmt.Errorf("transaction %s conflicts with higher-priority %s: %w",
				rec.ID, c.ID, types.ErrLockUpgrade)
		}
	}
	for _, c := range conflicting {
		m.logger.Debug().Str("winner", string(rec.ID)).Str("loser", string(c.ID)).
			Msg("rolling back lower-priority conflicting transaction")
		m.removeLocked(g, c.ID)
		metrics.TransactionsAborted.WithLabelValues("conflict").Inc()
	}
	return nil
}

// placeLocked finds the group a new access joins: the first from the
// head with room and no conflict, or a fresh tail group.
func (m *Manager) placeLocked(isRead bool) *group {
	if m.head == nil {
		g := newGroup()
		g.deadline = time.Now().Add(m.cfg.LockTimeout)
		m.head, m.tail = g, g
		return g
	}
	for g := m.head; g != nil; g = g.next {
		if g.admits(isRead, m.cfg.MaxGroupSize) {
			return g
		}
	}
	g := newGroup()
	m.tail.next = g
	m.tail = g
	return g
}

// scheduleLocked runs the task now when the group already holds the
// lock, otherwise defers it until the group advances to the head.
func (m *Manager) scheduleLocked(g *group, rec *Record, task func(*Record)) {
	if task == nil {
		return
	}
	if g == m.head {
		// Run with the lock held: tasks are expected to be cheap
		// hand-offs into the activation's scheduler group.
		task(rec)
		return
	}
	g.tasks = append(g.tasks, Task{TxID: rec.ID, AcquireBy: rec.Deadline, Run: task})
}

func (m *Manager) removeLocked(g *group, txID ID) {
	delete(g.records, txID)
	if g == m.head {
		m.minPendingValid = false
	}
	for i, t := range g.tasks {
		if t.TxID == txID {
			g.tasks = append(g.tasks[:i], g.tasks[i+1:]...)
			break
		}
	}
}

func (m *Manager) kick() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// run is the lock-exit worker: it ticks on notification and on the head
// group's deadline.
func (m *Manager) run() {
	defer m.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-m.notifyCh:
		case <-timer.C:
		case <-m.stopCh:
			return
		}
		m.tick(timer)
	}
}

// faultRetention bounds how long a break notice waits for its
// transaction to come asking; after that the cause degrades to a plain
// broken lock.
const faultRetention = time.Minute

// tick advances the lock state machine: exits determined transactions
// whose timestamp clears the pending minimum, enforces the head group's
// deadline, and advances the head when the group drains.
func (m *Manager) tick(timer *time.Timer) {
	var exits []*Record
	var tasks []Task

	m.mu.Lock()
	now := time.Now()
	for id, f := range m.faults {
		if now.Sub(f.at) > faultRetention {
			delete(m.faults, id)
		}
	}
	for m.head != nil {
		g := m.head
		if len(g.records) > 0 {
			exits = append(exits, m.collectExitsLocked(g)...)
			if len(g.records) > 0 {
				if !g.deadline.IsZero() && now.After(g.deadline) {
					n := len(g.records)
					for id := range g.records {
						m.faultLocked(id, types.ErrLockDeadlineExceeded, now)
					}
					g.records = make(map[ID]*Record)
					m.minPendingValid = false
					metrics.TransactionsAborted.WithLabelValues("deadline").Add(float64(n))
					m.logger.Warn().Int("transactions", n).Msg("lock group deadline exceeded")
					continue
				}
				break
			}
		}
		// Head drained: hand the lock to the next group.
		m.head = g.next
		if m.head == nil {
			m.tail = nil
			break
		}
		m.head.deadline = now.Add(m.cfg.LockTimeout)
		m.minPendingValid = false
		for _, t := range m.head.tasks {
			if !t.AcquireBy.IsZero() && now.After(t.AcquireBy) {
				delete(m.head.records, t.TxID)
				m.faultLocked(t.TxID, types.ErrLockDeadlineExceeded, now)
				metrics.TransactionsAborted.WithLabelValues("acquire-timeout").Inc()
				continue
			}
			tasks = append(tasks, t)
		}
		m.head.tasks = nil
	}
	if m.head != nil && !m.head.deadline.IsZero() {
		resetTimer(timer, time.Until(m.head.deadline))
	}
	m.mu.Unlock()

	for _, t := range tasks {
		m.mu.Lock()
		rec := (*Record)(nil)
		if m.head != nil {
			rec = m.head.records[t.TxID]
		}
		m.mu.Unlock()
		if rec != nil {
			t.Run(rec)
		}
	}
	for _, rec := range exits {
		metrics.TransactionsCommitted.Inc()
		if m.sink != nil {
			m.sink(m.grain, rec)
		}
	}
}

// collectExitsLocked removes from the head group every record whose
// role is determined and whose timestamp strictly precedes the minimum
// pending timestamp, returning them sorted by commit timestamp.
func (m *Manager) collectExitsLocked(g *group) []*Record {
	if !m.minPendingValid {
		m.minPending, m.minPendingSome = g.minPending()
		m.minPendingValid = true
	}
	var q commitQueue
	for id, rec := range g.records {
		if !rec.Role.Determined() {
			continue
		}
		if m.minPendingSome && !rec.Priority.Before(m.minPending) {
			continue
		}
		delete(g.records, id)
		if rec.Role == RoleAbort {
			metrics.TransactionsAborted.WithLabelValues("coordinator").Inc()
			continue
		}
		heap.Push(&q, rec)
	}
	var out []*Record
	for q.Len() > 0 {
		out = append(out, heap.Pop(&q).(*Record))
	}
	return out
}

func resetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// commitQueue orders exiting transactions by commit timestamp.
type commitQueue []*Record

func (q commitQueue) Len() int           { return len(q) }
func (q commitQueue) Less(i, j int) bool { return q[i].exitTime().Before(q[j].exitTime()) }
func (q commitQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *commitQueue) Push(x any)        { *q = append(*q, x.(*Record)) }
func (q *commitQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	*q = old[:n-1]
	return rec
}

// Registry hands out one Manager per grain.
type Registry struct {
	cfg  config.TxnConfig
	sink CommitSink

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a manager registry.
func NewRegistry(cfg config.TxnConfig, sink CommitSink) *Registry {
	return &Registry{cfg: cfg, sink: sink, managers: make(map[string]*Manager)}
}

// ForGrain returns the grain's manager, creating it on first use.
func (r *Registry) ForGrain(grain types.GrainID) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := grain.Key()
	if m, ok := r.managers[key]; ok {
		return m
	}
	m := NewManager(grain, r.cfg, r.sink)
	r.managers[key] = m
	return m
}

// Stop halts every manager.
func (r *Registry) Stop() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()
	for _, m := range managers {
		m.Stop()
	}
}
