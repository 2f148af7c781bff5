// Package engine assembles the synchronization components from a
// configuration and runs them as one unit.
//
// Startup order:
//   - Gateway, throttler, health monitor and subscription manager
//   - Packet router, reading gateway frames into the manager
//   - Uptime writer, when a database is configured
//   - Status server, when metrics are enabled
//
// Shutdown runs in reverse. Subscriptions are closed before the gateway
// stops so unsubscribe requests still reach the server.
package engine
