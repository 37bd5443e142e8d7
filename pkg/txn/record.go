package txn

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies one transaction across the cluster.
type ID string

// NewID returns a fresh transaction id.
func NewID() ID {
	return ID(uuid.New().String())
}

// Role is the commit decision of a transaction. A transaction may exit
// its lock group only after the role is known.
type Role uint8

const (
	RoleNotYetDetermined Role = iota
	RoleLocalCommit
	RoleRemoteCommit
	RoleReadOnly
	RoleAbort
)

func (r Role) String() string {
	switch r {
	case RoleLocalCommit:
		return "local-commit"
	case RoleRemoteCommit:
		return "remote-commit"
	case RoleReadOnly:
		return "read-only"
	case RoleAbort:
		return "abort"
	default:
		return "undetermined"
	}
}

// Determined reports whether the commit decision has been made.
func (r Role) Determined() bool { return r != RoleNotYetDetermined }

// Record is one transaction's standing inside a lock group.
type Record struct {
	ID       ID
	Priority time.Time // priority timestamp; orders conflicts and lock exits

	Reads  int
	Writes int

	Role       Role
	Deadline   time.Time // individual acquire deadline while queued
	CommitTime time.Time // set when the role is determined
}

// AccessCount returns the total accesses the lock has admitted for this
// transaction. Callers present their own count on re-entry and
// validation; a mismatch means the lock was broken underneath them.
func (r *Record) AccessCount() int { return r.Reads + r.Writes }

// IsReadOnly reports whether the transaction has taken no write access.
func (r *Record) IsReadOnly() bool { return r.Writes == 0 }

// exitTime returns the timestamp the commit queue orders by.
func (r *Record) exitTime() time.Time {
	if !r.CommitTime.IsZero() {
		return r.CommitTime
	}
	return r.Priority
}
