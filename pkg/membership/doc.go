/*
Package membership maintains the shared, versioned roster of silos and
runs the liveness protocol over it.

The table is held in a pluggable Store (in-memory or bbolt). Every row
carries an etag and the table carries a monotonically increasing
version; all mutations are optimistic and return false on mismatch
rather than erroring, so racing silos re-read and recompute instead of
clobbering each other. Heartbeats take a fast path that bumps neither
etag nor version.

The Oracle drives one silo through the protocol: insert self as
Joining, promote to Active, heartbeat periodically, probe ring
successors, vote suspicions against unresponsive peers, and declare a
peer Dead once enough fresh votes accumulate. A silo that observes its
own row Dead exits; a generation never rejoins.

The package also owns the consistent-hash Ring over Active silos, used
by the directory for entry ownership, by the oracle for probe targets,
and by the reminder service for hash-range ownership.
*/
package membership
