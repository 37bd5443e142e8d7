/*
Package streams implements the queue cache that decouples stream
producers from their consumers.

A pulling agent drains a queue partition and feeds batches into the
cache; each consumer walks the cache through its own cursor at its own
pace. Eviction is chronological from the oldest end, gated by a
time-purge predicate, and the cache reports pressure back to the agent
so it stops pulling before fresh messages would have to be dropped.
*/
package streams
