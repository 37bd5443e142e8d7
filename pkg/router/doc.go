/*
Package router addresses, sends, receives, retries, and rejects
messages, and matches responses to their pending requests.

Every outbound request gets a silo-unique correlation id and a callback
record keyed by (sending grain, correlation id); the response, a
rejection, or the timeout sweeper completes each record exactly once.
Messages carry an absolute expiry stamped at send time and are checked
at every handoff point; expired requests surface a timeout to the
caller, expired one-ways drop silently.

Unaddressed messages resolve their target silo through the directory,
falling back to placement for grains without an activation. Retryable
rejections re-address through the directory, with the stale route
invalidated first, up to a bounded retry count. CacheInvalidation
rejections are side-effect only and never complete the caller's
request.
*/
package router
