// Package connection implements the gateway transport.
//
// The Gateway:
//   - Multiplexes up to MaxAccountsPerSocket accounts over each WebSocket
//   - Opens another socket when every existing one is full
//   - Correlates requests with "response" and "processingError" frames by requestId
//   - Reconnects with exponential backoff and reports the affected accounts
//   - Hands "synchronization" payloads to the packet router
//
// Each socket is a Client that owns the envelope protocol: it writes request
// envelopes, decodes inbound frames and fails the socket once nothing has
// been received for PingTimeout.
package connection
