// Package arena implements a fixed-size, tiered KV block pool. It is the
// leaf of the scheduler -> pager -> arena ownership hierarchy: the arena
// knows nothing about sequences, page tables, or requests, only blocks.
package arena

// Tensor is an opaque, shape-tagged float32 buffer. The arena allocates
// Tensors sized by BlockShape but never interprets their contents - dtype
// and layout semantics belong to the kernel adapter.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed Tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// BlockShape describes the per-block K/V tensor layout:
// [num_layers, tokens_per_block, num_kv_heads, head_dim].
type BlockShape struct {
	NumLayers       int
	TokensPerBlock  int
	NumKVHeads      int
	HeadDim         int
}

// Elems returns the total number of float32 elements in one K or V tensor
// for this shape.
func (s BlockShape) Elems() int {
	return s.NumLayers * s.TokensPerBlock * s.NumKVHeads * s.HeadDim
}

// LayerStride returns the number of elements spanned by a single layer
// within a block's K or V tensor.
func (s BlockShape) LayerStride() int {
	return s.TokensPerBlock * s.NumKVHeads * s.HeadDim
}
