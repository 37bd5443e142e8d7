/*
Package txn orders concurrent transactions touching the same grain.

Each grain's transactional state is guarded by a Manager holding a
queue of lock groups. A group is a batch of mutually non-conflicting
transactions (readers share, writers are exclusive) that acquire and
release the state together; only the head group holds the lock. A
transaction entering the lock is placed into the first group from the
head with room and no conflict, or a fresh tail group, and its task
runs when that group reaches the head.

A background worker lets transactions exit the lock as soon as their
commit role is known and their timestamp precedes every still-pending
sibling, feeding a commit queue sorted by timestamp. Groups carry an
absolute deadline; a group that overstays it has its remaining
transactions aborted so the queue keeps moving.
*/
package txn
