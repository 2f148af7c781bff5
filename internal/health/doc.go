// Package health implements the Connection Health Monitor component.
//
// Status heartbeats are recorded per account and per server replica. A
// replica silent for longer than the silence threshold is marked
// disconnected; an account is disconnected only when all of its replicas
// are. Uptime is sampled into three rolling windows (1h, 1d, 1w by default)
// of 60 buckets each.
package health
