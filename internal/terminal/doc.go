// Package terminal implements the Terminal State Store component.
//
// The Terminal State Store:
//   - Mirrors account information, positions, orders, history, specifications and prices
//   - Applies replace-all, upsert and remove packets in delivery order
//   - Tracks per-attempt completion of the four substreams
//   - Revalues positions on every price and recomputes equity and margin
//   - Lets readers block until a substream is first synchronized
//
// Money math uses shopspring/decimal; profit is rounded at the instrument's digits.
package terminal
