// Package queue provides the unbounded FIFO used for per-account command
// queues and listener lanes.
//
// Producers never block: the ring buffer doubles at 70% occupancy. A single
// consumer typically loops on Pop until Close drains it.
package queue
