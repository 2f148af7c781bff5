// Package database provides the PostgreSQL connection pool and schema for
// uptime persistence.
package database
