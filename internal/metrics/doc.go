// Package metrics exports engine statistics to Prometheus.
//
// Key metrics:
//   - Packet throughput, duplicates, stale drops and gap stalls
//   - Resynchronizations by reason and accounts by subscription state
//   - Throttler slots, queue depth and retries
//   - Listener delivery errors and slow listeners
//   - Gateway sockets, request outcomes and reconnects
package metrics
