// Package router decodes gateway synchronization frames into packets and
// feeds them to the subscription manager.
//
// Key behaviors:
//   - Frames that fail to decode are counted and dropped
//   - Unknown packet types are still handed on so their sequence numbers
//     advance ordering
//   - Packets for accounts nobody subscribed trigger an unsubscribe, at
//     most once per account per UnsubscribeInterval
//   - An optional tap sees every decoded packet (the packet log)
package router
