// Package kernel defines the opaque compute-operator boundary the engine
// drives: attention, RoPE, RMSNorm, SwiGLU MLP, and quantized GEMM.
// The engine never assumes anything about how an implementation
// executes these; refkernel provides a deterministic pure-Go one for tests
// and the reference CPU path.
package kernel

import "github.com/mlxr-project/mlxr/internal/arena"

// ScalingMode selects the RoPE frequency scaling scheme.
type ScalingMode int

const (
	ScalingBase ScalingMode = iota
	ScalingNTK
	ScalingYaRN
	ScalingLinear
)

func (s ScalingMode) String() string {
	switch s {
	case ScalingBase:
		return "base"
	case ScalingNTK:
		return "ntk"
	case ScalingYaRN:
		return "yarn"
	case ScalingLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// QuantType names a supported weight quantization scheme.
type QuantType int

const (
	QuantNone QuantType = iota
	QuantQ4_0
	QuantQ4_1
	QuantQ8_0
	QuantQ4_K
	QuantQ6_K
)

// QuantizedWeight bundles a quantized weight matrix with its dequant
// parameters. Scales/Zeros are grouped every GroupSize input columns.
type QuantizedWeight struct {
	Type      QuantType
	Rows      int
	Cols      int
	GroupSize int
	Data      []byte
	Scales    []float32
	Zeros     []float32 // nil for symmetric schemes (Q4_0, Q8_0)
}

// Ops is the full set of operators the engine drives. Every method takes
// and returns *arena.Tensor so kernel implementations interoperate directly
// with paged KV block views without an intermediate copy step.
type Ops interface {
	RMSNorm(x, weight *arena.Tensor, eps float32) (*arena.Tensor, error)

	// AttentionPrefill computes causal masked attention over a contiguous
	// segment given one fully materialized KV segment per head group.
	// causalOffset is the absolute position of q's first row: query row i
	// (0-indexed) may attend to key/value rows [0, causalOffset+i].
	AttentionPrefill(q, k, v *arena.Tensor, numQHeads, numKVHeads, causalOffset int) (*arena.Tensor, error)

	// AttentionDecodePaged computes attention for a single new query
	// position against KV blocks addressed indirectly through blockIDs, one
	// id per page-table slot, each resolved via the block view accessor.
	// cachedTokens is the absolute position of the new token; attention
	// covers positions [0, cachedTokens] inclusive (the new token's own
	// K/V, already written by the caller, plus every prior position).
	AttentionDecodePaged(q *arena.Tensor, blockIDs []int, blockSize int, kview, vview BlockViewFunc, numQHeads, numKVHeads, cachedTokens int) (*arena.Tensor, error)

	RopeApply(x *arena.Tensor, positions []int64, cosTable, sinTable [][]float32, mode ScalingMode) (*arena.Tensor, error)

	QGemmDequant(x *arena.Tensor, w QuantizedWeight, bias *arena.Tensor) (*arena.Tensor, error)

	SwiGLUMLP(x, wGate, wUp, wDown *arena.Tensor) (*arena.Tensor, error)

	// Evaluate forces materialization of any lazily-constructed tensor
	// view before the caller slices or persists it. Implementations over
	// lazy tensor libraries force computation here; eager ones return the
	// input unchanged.
	Evaluate(t *arena.Tensor) *arena.Tensor
}

// BlockViewFunc resolves one (layer, blockID) pair to its K or V tensor
// view, matching arena.Arena.KView/VView's signature so engine code can
// pass the arena's own methods directly.
type BlockViewFunc func(layer int, blockID int) (*arena.Tensor, error)
