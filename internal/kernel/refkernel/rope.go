package refkernel

import (
	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
)

// RopeApply rotates paired dimensions of x using precomputed per-position
// cos/sin tables. x has shape [..., L, D]; cosTable/sinTable
// are indexed [position][d/2]. scaling_mode selects which table the caller
// already built - refkernel applies whatever it is handed rather than
// deriving frequencies itself.
func (Ref) RopeApply(x *arena.Tensor, positions []int64, cosTable, sinTable [][]float32, mode kernel.ScalingMode) (*arena.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, shapeError("rope_apply", x.Shape)
	}
	d := x.Shape[len(x.Shape)-1]
	l := x.Shape[len(x.Shape)-2]
	if d%2 != 0 || l != len(positions) {
		return nil, shapeError("rope_apply", x.Shape)
	}
	rowsBefore := len(x.Data) / (l * d)
	out := &arena.Tensor{Shape: append([]int(nil), x.Shape...), Data: make([]float32, len(x.Data))}
	half := d / 2

	for r := 0; r < rowsBefore; r++ {
		for i := 0; i < l; i++ {
			pos := positions[i]
			if int(pos) >= len(cosTable) {
				return nil, shapeError("rope_apply", x.Shape)
			}
			cos := cosTable[pos]
			sin := sinTable[pos]
			base := (r*l + i) * d
			for j := 0; j < half; j++ {
				x1 := x.Data[base+j]
				x2 := x.Data[base+half+j]
				out.Data[base+j] = x1*cos[j] - x2*sin[j]
				out.Data[base+half+j] = x2*cos[j] + x1*sin[j]
			}
		}
	}
	return out, nil
}
