// Package edgemon is an engine for discovering and continuously
// monitoring well-performing Cloudflare edge addresses.
//
// The engine delegates actual network measurement to an external
// scanner binary, persists every measurement in SQLite, maintains
// per-address aggregates and exposes a query/control HTTP API. Two
// workflows feed the store:
//
//   - discovery: a one-shot bulk scan over the Cloudflare anycast
//     ranges that seeds the endpoint pool with addresses meeting the
//     acceptance criteria
//   - monitoring: a periodic background loop that re-tests the stalest
//     known endpoints and appends the results
//
// The top-level [App] type wires everything together; see [New] and
// the Option values for configuration. The cmd/edgemon package wraps
// it in a CLI.
package edgemon
