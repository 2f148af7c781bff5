// Package dispatch implements the Listener Dispatcher component.
//
// The Listener Dispatcher:
//   - Delivers account events to listeners registered per account or globally
//   - Sequential mode: one queue and goroutine per account, events in emission order
//   - Concurrent mode: listeners run through an errgroup without ordering
//   - Recovers listener panics and logs listener errors without affecting the pipeline
//   - Warns about slow listeners
package dispatch
