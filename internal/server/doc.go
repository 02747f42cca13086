// Package server provides the query/control HTTP API.
//
// The server is a stateless façade: reads map 1:1 to store queries and
// control operations map to monitor/discovery transitions. All control
// endpoints are idempotent with respect to state: repeating a start
// while running is a no-op that reports the current state.
//
// Error classes are distinguishable in the response body (error code)
// and status (400 malformed criteria, 404 unknown address, 409
// concurrent operation, 502 prober failure, 500 storage failure).
//
// The prometheus registry is exposed on /metrics.
package server
