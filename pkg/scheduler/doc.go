/*
Package scheduler provides per-activation single-threaded execution on
a fixed pool of workers.

Each activation owns a Group: a FIFO queue of work items of which at
most one executes at a time. Distinct groups run in parallel on the
shared pool. Continuations posted from within the running turn execute
after the turn completes and before the next externally queued message.

When a turn suspends on a remote call it releases the activation's
execution slot (Suspend/Resume) and the pool compensates for the parked
worker, so a grain awaiting a response neither blocks its silo nor, if
the type's reentrancy policy permits, its own mailbox. Policies decide
which pending messages may start while turns are in flight:
non-reentrant (default), fully reentrant, a per-message predicate, or
call-chain reentrancy keyed on the root correlation id.
*/
package scheduler
