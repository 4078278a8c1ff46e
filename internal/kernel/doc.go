// Package kernel defines the contract between a pool worker and the inference
// kernel it owns, along with a subprocess transport for kernels that run out
// of process (for example a Python model server pinned to one accelerator).
package kernel
