// Package throttle implements the Synchronization Throttler component.
//
// The Synchronization Throttler:
//   - Caps concurrent synchronizations with a pluggable, non-decreasing CapFunc
//   - Queues requests over the cap in arrival order
//   - Retries failed sends with exponential backoff and reports exhaustion
//   - Frees slots of attempts that stop making progress
package throttle
