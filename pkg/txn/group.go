package txn

import (
	"time"
)

// Task is a deferred closure waiting for its group to reach the head of
// the queue. AcquireBy bounds the wait; a task whose deadline passes
// before its group gets the lock is discarded and its record removed.
type Task struct {
	TxID      ID
	AcquireBy time.Time
	Run       func(*Record)
}

// group is one batch of mutually non-conflicting transactions. Groups
// form a singly-linked queue; only the head holds the grain's lock.
type group struct {
	records map[ID]*Record
	// fill grows on insert and is not decremented on rollback, so a
	// heavily rolled-back group closes earlier than strictly necessary.
	fill     int
	deadline time.Time // absolute; zero until the group takes the lock
	tasks    []Task
	next     *group
}

func newGroup() *group {
	return &group{records: make(map[ID]*Record)}
}

// conflicts returns the records an access of the given mode conflicts
// with, excluding the transaction itself. Reads conflict with writers;
// writes conflict with everyone.
func (g *group) conflicts(txID ID, isRead bool) []*Record {
	var out []*Record
	for id, rec := range g.records {
		if id == txID {
			continue
		}
		if isRead && rec.IsReadOnly() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// admits reports whether a new transaction with the given access mode
// may join the group: there must be room and no conflicting sibling.
func (g *group) admits(isRead bool, maxSize int) bool {
	if g.fill >= maxSize {
		return false
	}
	return len(g.conflicts("", isRead)) == 0
}

// minPending returns the minimum priority timestamp among records whose
// role is still undetermined, and whether any such record exists.
func (g *group) minPending() (time.Time, bool) {
	var min time.Time
	found := false
	for _, rec := range g.records {
		if rec.Role.Determined() {
			continue
		}
		if !found || rec.Priority.Before(min) {
			min = rec.Priority
			found = true
		}
	}
	return min, found
}
