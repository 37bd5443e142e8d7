package types

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Runtime failures are sentinel errors so call sites
// can classify with errors.Is; application errors travel verbatim in
// response bodies and are never wrapped into these.
var (
	// Transient: the caller may retry.
	ErrTimeout               = errors.New("request timed out")
	ErrOverloaded            = errors.New("silo overloaded")
	ErrGatewayTooBusy        = errors.New("gateway too busy")
	ErrMembershipContention  = errors.New("membership table contention")

	// Routing: retry after cache invalidation.
	ErrStaleActivation = errors.New("stale activation address")

	// Unrecoverable request: surfaced to the caller as-is.
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrUnsupportedRequest = errors.New("unsupported request")

	// Consistency: storage etag mismatch; may auto-deactivate the
	// calling activation only.
	ErrInconsistentState = errors.New("inconsistent grain state")
	ErrMissingEtag       = errors.New("backend returned no etag for existing row")

	// Transactional.
	ErrBrokenLock           = errors.New("transaction lock broken")
	ErrLockValidationFailed = errors.New("transaction lock validation failed")
	ErrLockUpgrade          = errors.New("unresolvable transactional lock conflict")
	ErrLockDeadlineExceeded = errors.New("transactional lock deadline exceeded")
	ErrTransactionAborted   = errors.New("transaction aborted")

	// Fatal: close the connection they arrived on.
	ErrClusterIDMismatch       = errors.New("cluster id mismatch")
	ErrProtocolVersionMismatch = errors.New("network protocol version mismatch")

	// Lifecycle.
	ErrSiloUnavailable    = errors.New("target silo unavailable")
	ErrActivationStopping = errors.New("activation is deactivating")
	ErrActivationInit     = errors.New("activation initialization failed")
	ErrActivationCooldown = errors.New("grain is in reactivation cooldown")
	ErrGrainTypeUnknown   = errors.New("grain type not registered")
)

// IsTransient reports whether the error allows an immediate retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrGatewayTooBusy) ||
		errors.Is(err, ErrMembershipContention) ||
		errors.Is(err, ErrActivationStopping) ||
		errors.Is(err, ErrActivationInit) ||
		errors.Is(err, ErrActivationCooldown)
}

// IsFatalConnection reports whether the error must tear down the
// connection it came from.
func IsFatalConnection(err error) bool {
	return errors.Is(err, ErrClusterIDMismatch) || errors.Is(err, ErrProtocolVersionMismatch)
}

// AppError is an application-level failure thrown by grain code and
// carried back to the caller inside the response body.
type AppError struct {
	Msg string
}

func (e *AppError) Error() string { return e.Msg }

// NewAppError wraps a grain failure for transport.
func NewAppError(format string, args ...any) *AppError {
	return &AppError{Msg: fmt.Sprintf(format, args...)}
}
