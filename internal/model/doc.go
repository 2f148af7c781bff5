// Package model defines the data types shared by the synchronization engine.
//
// Conventions:
//   - Prices, volumes and money: shopspring/decimal, never float64
//   - Timestamps: time.Time (UTC as received)
//   - IDs: terminal-assigned strings; attempt ids are UUIDs
//   - Packet is transport independent; wire decoding lives in the router
package model
