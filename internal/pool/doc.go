// Package pool runs a fixed set of device-bound workers, each owning one
// kernel instance and draining its own FIFO queue on a dedicated goroutine.
//
// A Manager assigns tasks to its workers in strict round-robin order,
// aggregates their readiness and coordinates shutdown. Every task carries
// its own reply channel, so answers can never be delivered to the wrong
// caller regardless of how many callers share the pool.
package pool
