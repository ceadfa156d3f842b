// Package http provides the HTTP status and control API of a node.
//
// The HTTP server exposes endpoints for:
//   - Pool snapshots, pool requests and stops
//   - Cluster-wide worker and node records
//   - Queue inspection, enqueueing and purging
//   - Provider suspension overrides
//   - Health checks and Prometheus metrics
package http
