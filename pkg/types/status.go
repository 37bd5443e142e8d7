package types

// SiloStatus is the liveness state of a silo as recorded in the
// membership table. The ordering of the constants is the legal
// progression; a silo never moves backwards and never leaves Dead.
type SiloStatus int

const (
	StatusCreated SiloStatus = iota + 1
	StatusJoining
	StatusActive
	StatusShuttingDown
	StatusStopping
	StatusDead
)

var statusNames = map[SiloStatus]string{
	StatusCreated:      "created",
	StatusJoining:      "joining",
	StatusActive:       "active",
	StatusShuttingDown: "shutting-down",
	StatusStopping:     "stopping",
	StatusDead:         "dead",
}

func (s SiloStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// IsTerminating reports whether the silo is on its way out of the
// cluster.
func (s SiloStatus) IsTerminating() bool {
	return s >= StatusShuttingDown
}

// CanTransitionTo reports whether moving from s to next is a legal
// status progression.
func (s SiloStatus) CanTransitionTo(next SiloStatus) bool {
	if s == StatusDead {
		return false
	}
	// Peers may force any live silo straight to Dead.
	if next == StatusDead {
		return true
	}
	return next > s
}

// DeactivationReason explains why an activation was torn down. Some
// reasons place the grain in a reactivation cooldown.
type DeactivationReason int

const (
	DeactivationIdle DeactivationReason = iota + 1
	DeactivationShutdown
	DeactivationDirectoryLost
	DeactivationApplicationError
	DeactivationInconsistentState
	DeactivationDuplicate
)

var reasonNames = map[DeactivationReason]string{
	DeactivationIdle:              "idle",
	DeactivationShutdown:          "shutdown",
	DeactivationDirectoryLost:     "directory-lost",
	DeactivationApplicationError:  "application-error",
	DeactivationInconsistentState: "inconsistent-state",
	DeactivationDuplicate:         "duplicate-activation",
}

func (r DeactivationReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "unknown"
}

// BlocksReactivation reports whether the reason places the grain in a
// cooldown before it may be activated again on this silo.
func (r DeactivationReason) BlocksReactivation() bool {
	return r == DeactivationApplicationError || r == DeactivationInconsistentState
}
