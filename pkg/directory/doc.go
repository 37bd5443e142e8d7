/*
Package directory maintains the cluster-wide mapping from grain
identity to current activation address.

Ownership of the authoritative entry for a grain is sharded by the
consistent-hash ring over Active silos: the silo succeeding the grain's
hash holds the entry, every other silo may cache it. Registration is
exactly-once in the steady state; a concurrent double-create is broken
deterministically in favor of the lower (silo, activation id) tuple and
the loser must deactivate.

Caches are kept coherent with invalidation headers: every response
message lists addresses the sender knows to be stale and receivers drop
them immediately. On membership change, routes through silos that left
the Active set are purged and owned entries on dead silos removed, so
the next call reactivates the grain elsewhere.
*/
package directory
