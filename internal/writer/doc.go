// Package writer persists account health snapshots.
//
// The uptime writer samples the health monitor on an interval and batches
// one row per account into the account_uptime table. Inserts are
// append-only; a repeated (instance, account, sampled_at) key is skipped.
package writer
