/*
Package metrics exposes Prometheus metrics for the Granary runtime.

Metrics are package-level collectors registered once via Init and
served over HTTP with Handler:

	metrics.Init()
	http.Handle("/metrics", metrics.Handler())

Collectors cover membership (silo counts, table version, contention),
the activation catalog, directory lookups and cache size, router
traffic and callback backlog, scheduler throughput, transactions, and
connections.
*/
package metrics
