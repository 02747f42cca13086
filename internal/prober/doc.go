// Package prober defines the boundary to the external measurement
// capability.
//
// The [Prober] interface exposes the two batch operations the engine
// needs: a bulk scan over the full candidate address space and a
// re-test of specific addresses. [ExecProber] implements it by driving
// the scanner binary through temp files; tests substitute a fake.
//
// The engine performs no network I/O itself; everything that touches
// the wire lives behind this boundary.
package prober
