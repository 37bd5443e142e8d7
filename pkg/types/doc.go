/*
Package types defines the shared data model of the Granary runtime:
identities, the message envelope, status machines, and the failure
taxonomy.

# Identities

Three layers of identity, from logical to physical:

	GrainID            stable logical identity: (type tag, typed key)
	SiloAddress        one runtime process: (endpoint, generation)
	ActivationAddress  one in-memory instance: (grain, silo, activation id)

A grain outlives every activation of it. A silo that restarts on the
same endpoint gets a new generation and is a different silo. Activation
ids are silo-unique so two successive activations of the same grain on
the same silo are distinguishable.

# Messages

Message is the single envelope for requests, responses, and one-way
notifications between activations, silos, and clients. Headers carry
addressing, correlation, absolute expiry, retry count, the directory
cache-invalidation list, and the propagated request context. Bodies are
opaque encoded Invocation or Response values.

# Failures

Runtime failures are sentinel errors grouped by recovery policy
(transient, routing, unrecoverable, consistency, transactional, fatal).
Application errors raised by grain code are not part of the taxonomy;
they travel verbatim in the response body as AppError.
*/
package types
