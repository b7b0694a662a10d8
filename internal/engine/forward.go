package engine

import (
	"fmt"
	"math"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
	"github.com/mlxr-project/mlxr/internal/pager"
)

// Engine runs one sequence's prefill chunks and decode steps through a
// kernel.Ops implementation, reading and writing the paged KV cache the
// pager addresses. The engine never owns the pager - it is
// handed a capability by the scheduler, which owns the whole hierarchy.
type Engine struct {
	ops   kernel.Ops
	cfg   ModelConfig
	w     *Weights
	pager *pager.Pager
}

// New validates the model shape against the pager's arena and binds the
// engine to its collaborators.
func New(ops kernel.Ops, cfg ModelConfig, w *Weights, p *pager.Pager) (*Engine, error) {
	if cfg.HiddenSize != cfg.NumQHeads*cfg.HeadDim {
		return nil, fmt.Errorf("%w: hidden_size %d != num_q_heads %d * head_dim %d",
			ErrShapeMismatch, cfg.HiddenSize, cfg.NumQHeads, cfg.HeadDim)
	}
	if cfg.NumKVHeads <= 0 || cfg.NumQHeads%cfg.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: num_q_heads %d not divisible by num_kv_heads %d",
			ErrShapeMismatch, cfg.NumQHeads, cfg.NumKVHeads)
	}
	if len(w.Layers) != cfg.NumLayers {
		return nil, fmt.Errorf("%w: %d layer weights for %d layers", ErrShapeMismatch, len(w.Layers), cfg.NumLayers)
	}
	shape := p.Arena().Shape()
	if shape.NumLayers != cfg.NumLayers || shape.NumKVHeads != cfg.NumKVHeads || shape.HeadDim != cfg.HeadDim {
		return nil, fmt.Errorf("%w: arena block shape %+v does not match model", ErrShapeMismatch, shape)
	}
	return &Engine{ops: ops, cfg: cfg, w: w, pager: p}, nil
}

// Config returns the bound model shape.
func (e *Engine) Config() ModelConfig { return e.cfg }

// ForwardPrefill runs one prefill chunk of len(tokens) prompt tokens at
// absolute positions [cache.CachedTokens, cache.CachedTokens+L), writing
// their K/V into the sequence's blocks and attending over every cached
// position with a causal mask. Returns logits for the final position only.
// Pre-condition: ensure_capacity has grown the page table to cover the new
// positions; otherwise OutOfCapacity is returned without side effects.
func (e *Engine) ForwardPrefill(tokens []int64, cache *InferenceCache) ([]float64, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty prefill chunk", ErrShapeMismatch)
	}
	return e.forward(tokens, cache)
}

// ForwardDecode runs one decode step: exactly one new token at absolute
// position cache.CachedTokens, attention over all prior positions through
// the paged KV layout. Returns next-token logits.
func (e *Engine) ForwardDecode(token int64, cache *InferenceCache) ([]float64, error) {
	return e.forward([]int64{token}, cache)
}

func (e *Engine) forward(tokens []int64, cache *InferenceCache) ([]float64, error) {
	l := len(tokens)
	total := cache.CachedTokens + l
	blockSize := e.pager.BlockSize()

	haveBlocks, err := e.pager.NumBlocks(cache.SeqID)
	if err != nil {
		return nil, err
	}
	if need := (total + blockSize - 1) / blockSize; haveBlocks < need {
		return nil, fmt.Errorf("%w: sequence %s holds %d blocks, step needs %d",
			pager.ErrOutOfCapacity, cache.SeqID, haveBlocks, need)
	}

	hidden, err := e.embed(tokens)
	if err != nil {
		return nil, err
	}
	positions := make([]int64, l)
	for i := range positions {
		positions[i] = int64(cache.CachedTokens + i)
	}

	for layer := 0; layer < e.cfg.NumLayers; layer++ {
		hidden, err = e.forwardLayer(layer, hidden, positions, cache)
		if err != nil {
			return nil, err
		}
	}

	// Logits for the final position only.
	last := hidden[(l-1)*e.cfg.HiddenSize : l*e.cfg.HiddenSize]
	normed, err := e.ops.RMSNorm(
		&arena.Tensor{Shape: []int{1, e.cfg.HiddenSize}, Data: last},
		&arena.Tensor{Shape: []int{e.cfg.HiddenSize}, Data: e.w.FinalNorm},
		e.cfg.RMSNormEps,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}
	raw := matmul(normed.Data, 1, e.w.OutputProj)
	logits := make([]float64, len(raw))
	for i, v := range raw {
		logits[i] = float64(v)
	}

	cache.CachedTokens = total
	if err := e.pager.Touch(cache.SeqID); err != nil {
		return nil, err
	}
	return logits, nil
}

// forwardLayer runs one transformer layer over l new positions: attention
// norm, Q/K/V projection, RoPE, KV write, attention, output projection,
// residual, MLP norm, SwiGLU MLP, residual.
func (e *Engine) forwardLayer(layer int, hidden []float32, positions []int64, cache *InferenceCache) ([]float32, error) {
	cfg := e.cfg
	lw := &e.w.Layers[layer]
	l := len(positions)

	normed, err := e.ops.RMSNorm(
		&arena.Tensor{Shape: []int{l, cfg.HiddenSize}, Data: hidden},
		&arena.Tensor{Shape: []int{cfg.HiddenSize}, Data: lw.AttnNormWeight},
		cfg.RMSNormEps,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}

	q := toHeads(matmul(normed.Data, l, lw.Wq), l, cfg.NumQHeads, cfg.HeadDim)
	k := toHeads(matmul(normed.Data, l, lw.Wk), l, cfg.NumKVHeads, cfg.HeadDim)
	v := toHeads(matmul(normed.Data, l, lw.Wv), l, cfg.NumKVHeads, cfg.HeadDim)

	q, err = e.ops.RopeApply(q, positions, cfg.CosTable, cfg.SinTable, cfg.RopeScaling)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}
	k, err = e.ops.RopeApply(k, positions, cfg.CosTable, cfg.SinTable, cfg.RopeScaling)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}

	if err := e.writeKV(layer, k, v, positions, cache.SeqID); err != nil {
		return nil, err
	}

	var ctx *arena.Tensor
	if l == 1 {
		ctx, err = e.attendDecode(layer, q, cache)
	} else {
		ctx, err = e.attendPrefill(layer, q, cache, l)
	}
	if err != nil {
		return nil, err
	}

	attnOut := matmul(fromHeads(ctx, l, cfg.NumQHeads, cfg.HeadDim), l, lw.Wo)
	for i := range hidden {
		hidden[i] += attnOut[i]
	}

	mlpNormed, err := e.ops.RMSNorm(
		&arena.Tensor{Shape: []int{l, cfg.HiddenSize}, Data: hidden},
		&arena.Tensor{Shape: []int{cfg.HiddenSize}, Data: lw.MLPNormWeight},
		cfg.RMSNormEps,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}

	mlpOut, err := e.mlp(lw, mlpNormed, l)
	if err != nil {
		return nil, err
	}
	for i := range hidden {
		hidden[i] += mlpOut[i]
	}
	return hidden, nil
}

// mlp routes the feed-forward block through either the fully dense SwiGLU
// kernel or, for quantized checkpoints, gate/up in float32 followed by the
// fused dequant-matmul down projection.
func (e *Engine) mlp(lw *LayerWeights, normed *arena.Tensor, l int) ([]float32, error) {
	if lw.MLPDownQuant == nil {
		out, err := e.ops.SwiGLUMLP(normed,
			&arena.Tensor{Shape: []int{lw.WGate.Rows, lw.WGate.Cols}, Data: lw.WGate.Data},
			&arena.Tensor{Shape: []int{lw.WUp.Rows, lw.WUp.Cols}, Data: lw.WUp.Data},
			&arena.Tensor{Shape: []int{lw.WDown.Rows, lw.WDown.Cols}, Data: lw.WDown.Data},
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
		}
		return out.Data, nil
	}

	gate := matmul(normed.Data, l, lw.WGate)
	up := matmul(normed.Data, l, lw.WUp)
	hiddenDim := lw.WGate.Cols
	act := make([]float32, l*hiddenDim)
	for i := range act {
		act[i] = swish(gate[i]) * up[i]
	}
	out, err := e.ops.QGemmDequant(
		&arena.Tensor{Shape: []int{l, hiddenDim}, Data: act},
		*lw.MLPDownQuant, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}
	return out.Data, nil
}

// writeKV stores this step's freshly projected K/V rows into the blocks
// covering their positions, copy-on-write resolving any block still shared
// with a fork parent, then forces materialization of each written view
// before attention can observe it.
func (e *Engine) writeKV(layer int, k, v *arena.Tensor, positions []int64, seqID string) error {
	cfg := e.cfg
	a := e.pager.Arena()
	blockSize := e.pager.BlockSize()
	l := len(positions)

	for t, pos := range positions {
		slot := int(pos) % blockSize
		blockID, err := e.pager.PrepareWrite(seqID, pager.BlockIndexForToken(pos, blockSize), slot)
		if err != nil {
			return err
		}
		kDst, err := a.KView(layer, blockID)
		if err != nil {
			return err
		}
		vDst, err := a.VView(layer, blockID)
		if err != nil {
			return err
		}
		for h := 0; h < cfg.NumKVHeads; h++ {
			src := (h*l + t) * cfg.HeadDim
			dst := (slot*cfg.NumKVHeads + h) * cfg.HeadDim
			copy(kDst.Data[dst:dst+cfg.HeadDim], k.Data[src:src+cfg.HeadDim])
			copy(vDst.Data[dst:dst+cfg.HeadDim], v.Data[src:src+cfg.HeadDim])
		}
		e.ops.Evaluate(kDst)
		e.ops.Evaluate(vDst)
	}
	return nil
}

// attendPrefill gathers every cached position for this layer into one
// contiguous K/V pair and runs causal attention over it. cache.CachedTokens
// is the causal offset of the chunk's first query row.
func (e *Engine) attendPrefill(layer int, q *arena.Tensor, cache *InferenceCache, l int) (*arena.Tensor, error) {
	cfg := e.cfg
	total := cache.CachedTokens + l
	kG, vG, err := e.gather(layer, cache.SeqID, total)
	if err != nil {
		return nil, err
	}
	ctx, err := e.ops.AttentionPrefill(q, kG, vG, cfg.NumQHeads, cfg.NumKVHeads, cache.CachedTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}
	return ctx, nil
}

// attendDecode runs one-query paged attention directly against the
// sequence's blocks (the zero-copy format: no gathered copy is built). Any
// evicted slot in the covered range surfaces KVMiss.
func (e *Engine) attendDecode(layer int, q *arena.Tensor, cache *InferenceCache) (*arena.Tensor, error) {
	cfg := e.cfg
	a := e.pager.Arena()
	blockSize := e.pager.BlockSize()
	total := cache.CachedTokens + 1

	blocks, err := e.pager.Blocks(cache.SeqID)
	if err != nil {
		return nil, err
	}
	need := (total + blockSize - 1) / blockSize
	blockIDs := blocks[:need]
	for idx, id := range blockIDs {
		if id == pager.EvictedSlot {
			return nil, fmt.Errorf("%w: seq=%s idx=%d", pager.ErrKVMiss, cache.SeqID, idx)
		}
	}

	kview := func(_ int, blockID int) (*arena.Tensor, error) { return a.KView(layer, blockID) }
	vview := func(_ int, blockID int) (*arena.Tensor, error) { return a.VView(layer, blockID) }
	ctx, err := e.ops.AttentionDecodePaged(q, blockIDs, blockSize, kview, vview,
		cfg.NumQHeads, cfg.NumKVHeads, cache.CachedTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelFailure, err)
	}
	return ctx, nil
}

// gather assembles the per-layer K and V for positions [0, total) into
// contiguous [numKVHeads, total, headDim] tensors - the gather-based
// arena-to-kernel view, as opposed to the paged zero-copy one decode uses.
func (e *Engine) gather(layer int, seqID string, total int) (*arena.Tensor, *arena.Tensor, error) {
	cfg := e.cfg
	a := e.pager.Arena()
	blockSize := e.pager.BlockSize()

	kG := arena.NewTensor(cfg.NumKVHeads, total, cfg.HeadDim)
	vG := arena.NewTensor(cfg.NumKVHeads, total, cfg.HeadDim)
	for pos := 0; pos < total; pos++ {
		blockID, err := e.pager.BlockForToken(seqID, int64(pos))
		if err != nil {
			return nil, nil, err
		}
		kSrc, err := a.KView(layer, blockID)
		if err != nil {
			return nil, nil, err
		}
		vSrc, err := a.VView(layer, blockID)
		if err != nil {
			return nil, nil, err
		}
		slot := pos % blockSize
		for h := 0; h < cfg.NumKVHeads; h++ {
			src := (slot*cfg.NumKVHeads + h) * cfg.HeadDim
			dst := (h*total + pos) * cfg.HeadDim
			copy(kG.Data[dst:dst+cfg.HeadDim], kSrc.Data[src:src+cfg.HeadDim])
			copy(vG.Data[dst:dst+cfg.HeadDim], vSrc.Data[src:src+cfg.HeadDim])
		}
	}
	return kG, vG, nil
}

func (e *Engine) embed(tokens []int64) ([]float32, error) {
	cfg := e.cfg
	out := make([]float32, len(tokens)*cfg.HiddenSize)
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= e.w.Embedding.Rows {
			return nil, fmt.Errorf("%w: token id %d outside vocab [0,%d)", ErrShapeMismatch, tok, e.w.Embedding.Rows)
		}
		row := int(tok) * cfg.HiddenSize
		copy(out[i*cfg.HiddenSize:(i+1)*cfg.HiddenSize], e.w.Embedding.Data[row:row+cfg.HiddenSize])
	}
	return out, nil
}

// matmul computes x · m for a row-major x of the given row count.
func matmul(x []float32, rows int, m Matrix) []float32 {
	out := make([]float32, rows*m.Cols)
	for r := 0; r < rows; r++ {
		xBase := r * m.Rows
		outBase := r * m.Cols
		for k := 0; k < m.Rows; k++ {
			xv := x[xBase+k]
			if xv == 0 {
				continue
			}
			wBase := k * m.Cols
			for c := 0; c < m.Cols; c++ {
				out[outBase+c] += xv * m.Data[wBase+c]
			}
		}
	}
	return out
}

// toHeads reshapes row-major [l, heads*d] activations into [heads, l, d].
func toHeads(x []float32, l, heads, d int) *arena.Tensor {
	out := arena.NewTensor(heads, l, d)
	for t := 0; t < l; t++ {
		for h := 0; h < heads; h++ {
			src := (t*heads + h) * d
			dst := (h*l + t) * d
			copy(out.Data[dst:dst+d], x[src:src+d])
		}
	}
	return out
}

// fromHeads is the inverse of toHeads.
func fromHeads(x *arena.Tensor, l, heads, d int) []float32 {
	out := make([]float32, l*heads*d)
	for t := 0; t < l; t++ {
		for h := 0; h < heads; h++ {
			src := (h*l + t) * d
			dst := (t*heads + h) * d
			copy(out[dst:dst+d], x.Data[src:src+d])
		}
	}
	return out
}

func swish(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
