// Package mlxr implements the serving core of a local LLM inference
// server: a continuous-batching scheduler multiplexing many requests onto
// one engine, backed by a paged KV cache (arena, per-sequence page tables,
// policy-driven eviction with optional disk persistence).
//
// The surrounding daemon maps its transport onto four operations:
// Submit, Cancel, a per-request token stream, and Stats. Everything the
// core does not own - GPU kernels, weight loading, tokenization, HTTP,
// configuration files - is injected through narrow interfaces.
package mlxr
