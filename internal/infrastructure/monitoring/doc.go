// Package monitoring provides Prometheus metrics for the proxy.
//
// Metrics cover the HTTP surface, queue occupancy and wait times, the
// single worker's attempt/recovery counters, and the streaming bridges.
// All collectors are registered via promauto and exposed at /metrics.
package monitoring
