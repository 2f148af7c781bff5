// Package orderer implements the Packet Orderer component.
//
// The Packet Orderer:
//   - Tracks one synchronization attempt per account
//   - Seeds the expected sequence from the attempt's synchronizationStarted packet
//   - Holds out-of-order packets and releases contiguous runs
//   - Drops duplicates and packets of superseded attempts
//   - Stalls an attempt when a gap outlives the gap timeout or the wait list overflows
package orderer
