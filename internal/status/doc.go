// Package status serves a read-only HTTP view of the engine.
//
// Routes:
//   - GET /health: liveness and synchronized account count
//   - GET /accounts: subscription status of every account
//   - GET /accounts/:id: status, connection health and a state summary
//   - GET /accounts/:id/positions, /orders, /specifications: live state
//   - GET /metrics: Prometheus scrape endpoint (path configurable)
package status
