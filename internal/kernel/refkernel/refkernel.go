// Package refkernel is a deterministic, pure-Go reference implementation of
// kernel.Ops. It trades performance for bit-exact reproducibility, making it
// the engine's reference CPU path and the backbone of the test suite.
// Production deployments inject a GPU-backed operator set instead.
package refkernel

import (
	"math"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
)

// Ref implements kernel.Ops entirely with Go's math package; it holds no
// state and is safe for concurrent use.
type Ref struct{}

var _ kernel.Ops = Ref{}

// RMSNorm accumulates the squared sum in float64 regardless of the tensor's
// nominal dtype, normalizes each row of
// length len(weight.Data), and scales by weight.
func (Ref) RMSNorm(x, weight *arena.Tensor, eps float32) (*arena.Tensor, error) {
	d := len(weight.Data)
	if d == 0 || len(x.Data)%d != 0 {
		return nil, shapeError("rmsnorm", x.Shape, weight.Shape)
	}
	rows := len(x.Data) / d
	out := &arena.Tensor{Shape: append([]int(nil), x.Shape...), Data: make([]float32, len(x.Data))}
	for r := 0; r < rows; r++ {
		base := r * d
		var sumSq float64
		for i := 0; i < d; i++ {
			v := float64(x.Data[base+i])
			sumSq += v * v
		}
		rms := math.Sqrt(sumSq/float64(d) + float64(eps))
		for i := 0; i < d; i++ {
			out.Data[base+i] = float32(float64(x.Data[base+i])/rms) * weight.Data[i]
		}
	}
	return out, nil
}

// Evaluate is the identity: Ref never builds lazy views, so the
// materialization barrier is a no-op. Implementations backed by a lazy
// tensor library would force computation here instead.
func (Ref) Evaluate(t *arena.Tensor) *arena.Tensor { return t }
