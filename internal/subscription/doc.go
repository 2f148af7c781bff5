// Package subscription implements the Subscription Manager component.
//
// The Subscription Manager:
//   - Drives each account through unsubscribed, subscribing, synchronizing,
//     synchronized and resynchronizing
//   - Runs one goroutine per account fed by a command queue, so packets,
//     timers, reconnects and heartbeat changes never race on account state
//   - Re-sends subscribe requests with a growing interval until the server
//     authenticates the account
//   - Starts synchronization attempts through the throttler and supersedes
//     them on gap timeouts, reconnects and terminal restarts
//   - Retries failed synchronizations after a cooldown
//
// Packets flow Orderer → terminal.State → dispatch.Dispatcher inside the
// account goroutine.
package subscription
