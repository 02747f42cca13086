// Package monitor implements the periodic re-test scheduler.
//
// A single background goroutine owns the cycle loop: select the
// stalest active endpoints, probe them once as a batch, append every
// returned measurement through the store, and sleep until one interval
// has elapsed since the cycle started. Lifecycle transitions
// (Start/Stop/TriggerNow) are the only way to mutate the scheduler
// state, and a try-lock on the cycle mutex gives the single-flight
// guarantee: at most one cycle executes at any moment.
//
// Every pruneEveryCycles cycles the monitor also runs the store's
// retention sweep.
package monitor
