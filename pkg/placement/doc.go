/*
Package placement decides which silo should host a new grain
activation.

Strategies are registered per grain type: uniform random over
non-overloaded silos, prefer-local, deterministic rendezvous hashing,
lowest weighted load, or stateless-worker local pooling. A decision is
advisory only; the activation that wins directory registration is the
one that survives.
*/
package placement
