/*
Package catalog creates, indexes, and destroys the grain activations
hosted on one silo.

GetOrCreate is idempotent: concurrent callers for the same grain
observe a single activation. A new activation runs the grain's
OnActivate hook before its first message; a hook failure removes the
partial activation and surfaces a retryable rejection to the caller.
Registration with the cluster directory happens after the hook; losing
the registration race deactivates the local instance and hands callers
the winning address.

Deactivation stops the activation's scheduler group, lets queued
continuations drain, runs OnDeactivate, and unregisters the directory
entry. Deactivations caused by application errors or inconsistent state
put the grain in a cooldown that blocks reactivation on this silo.
Stateless-worker grains skip the directory entirely and pool local
activations up to a configured multiple of the CPU count.
*/
package catalog
