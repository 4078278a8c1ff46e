// Package engine is the per-capability facade over a worker pool. An Engine
// submits tasks to the pool, hands each caller exactly the answer to its own
// task, records task history and aggregates readiness for health checks.
package engine
