package refkernel

import (
	"math"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
)

// gqaHead maps query head h to its owning KV head: h · (num_kv / num_q).
func gqaHead(h, numQHeads, numKVHeads int) int {
	return h * numKVHeads / numQHeads
}

// AttentionPrefill implements causal masked attention for one sequence: Q
// has shape [numQHeads, L, D], K/V have shape [numKVHeads, Lk, D] where
// Lk >= causalOffset+L. Query row i may attend to key rows [0, causalOffset+i].
func (Ref) AttentionPrefill(q, k, v *arena.Tensor, numQHeads, numKVHeads, causalOffset int) (*arena.Tensor, error) {
	if numQHeads == 0 || numKVHeads == 0 || len(q.Shape) != 3 || len(k.Shape) != 3 || len(v.Shape) != 3 {
		return nil, shapeError("attention_prefill", q.Shape, k.Shape, v.Shape)
	}
	d := q.Shape[2]
	l := q.Shape[1]
	lk := k.Shape[1]
	if k.Shape[2] != d || v.Shape[1] != lk || v.Shape[2] != d || q.Shape[0] != numQHeads || k.Shape[0] != numKVHeads {
		return nil, shapeError("attention_prefill", q.Shape, k.Shape, v.Shape)
	}
	out := &arena.Tensor{Shape: []int{numQHeads, l, d}, Data: make([]float32, numQHeads*l*d)}
	scale := 1.0 / math.Sqrt(float64(d))

	for h := 0; h < numQHeads; h++ {
		kvh := gqaHead(h, numQHeads, numKVHeads)
		for i := 0; i < l; i++ {
			limit := causalOffset + i // inclusive
			if limit >= lk {
				limit = lk - 1
			}
			scores := make([]float64, limit+1)
			qBase := (h*l+i)*d
			maxScore := math.Inf(-1)
			for j := 0; j <= limit; j++ {
				kBase := (kvh*lk + j) * d
				var dot float64
				for x := 0; x < d; x++ {
					dot += float64(q.Data[qBase+x]) * float64(k.Data[kBase+x])
				}
				s := dot * scale
				scores[j] = s
				if s > maxScore {
					maxScore = s
				}
			}
			var sumExp float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxScore)
				sumExp += scores[j]
			}
			outBase := (h*l + i) * d
			for x := 0; x < d; x++ {
				var acc float64
				for j := 0; j <= limit; j++ {
					vBase := (kvh*lk + j) * d
					acc += scores[j] * float64(v.Data[vBase+x])
				}
				out.Data[outBase+x] = float32(acc / sumExp)
			}
		}
	}
	return out, nil
}

// AttentionDecodePaged attends a single new query position against KV held
// in paged blocks, resolved lazily through kview/vview rather than a
// pre-gathered contiguous tensor (the zero-copy block
// format). kview/vview are expected to already be bound to the caller's
// current layer; this method always passes layer 0 through and relies on
// that binding.
func (Ref) AttentionDecodePaged(q *arena.Tensor, blockIDs []int, blockSize int, kview, vview kernel.BlockViewFunc, numQHeads, numKVHeads, cachedTokens int) (*arena.Tensor, error) {
	if numQHeads == 0 || numKVHeads == 0 || blockSize <= 0 {
		return nil, shapeError("attention_decode_paged", q.Shape)
	}
	d := q.Shape[len(q.Shape)-1]
	total := cachedTokens + 1 // inclusive of the position just written
	scale := 1.0 / math.Sqrt(float64(d))

	out := &arena.Tensor{Shape: []int{numQHeads, 1, d}, Data: make([]float32, numQHeads*d)}

	for h := 0; h < numQHeads; h++ {
		kvh := gqaHead(h, numQHeads, numKVHeads)
		qBase := h * d

		scores := make([]float64, total)
		maxScore := math.Inf(-1)
		for p := 0; p < total; p++ {
			blockIdx := p / blockSize
			slot := p % blockSize
			if blockIdx >= len(blockIDs) {
				return nil, shapeError("attention_decode_paged", q.Shape)
			}
			kBlock, err := kview(0, blockIDs[blockIdx])
			if err != nil {
				return nil, err
			}
			kBase := (slot*numKVHeads + kvh) * d
			var dot float64
			for x := 0; x < d; x++ {
				dot += float64(q.Data[qBase+x]) * float64(kBlock.Data[kBase+x])
			}
			s := dot * scale
			scores[p] = s
			if s > maxScore {
				maxScore = s
			}
		}
		var sumExp float64
		for p := range scores {
			scores[p] = math.Exp(scores[p] - maxScore)
			sumExp += scores[p]
		}
		outBase := h * d
		for p := 0; p < total; p++ {
			blockIdx := p / blockSize
			slot := p % blockSize
			vBlock, err := vview(0, blockIDs[blockIdx])
			if err != nil {
				return nil, err
			}
			vBase := (slot*numKVHeads + kvh) * d
			for x := 0; x < d; x++ {
				out.Data[outBase+x] += float32(scores[p]/sumExp) * vBlock.Data[vBase+x]
			}
		}
	}
	return out, nil
}
