/*
Package storage persists grain state with optimistic concurrency.

Each (grain, state name) pair maps to one versioned record. Writes and
clears are conditional on the etag returned by the previous read or
write; a mismatch surfaces ErrInconsistentState, which the catalog may
answer by deactivating the calling activation so it reloads fresh
state. A BoltStore keeps records as JSON values in a bbolt bucket; a
MemoryStore backs tests.
*/
package storage
