package refkernel

import (
	"math"

	"github.com/mlxr-project/mlxr/internal/arena"
)

// SwiGLUMLP computes y = (swish(x·Wgate) ⊙ (x·Wup)) · Wdown.
// Wgate/Wup have shape [Din, Dhidden], Wdown has shape [Dhidden, Din].
func (Ref) SwiGLUMLP(x, wGate, wUp, wDown *arena.Tensor) (*arena.Tensor, error) {
	if len(x.Shape) == 0 || len(wGate.Shape) != 2 || len(wUp.Shape) != 2 || len(wDown.Shape) != 2 {
		return nil, shapeError("swiglu_mlp", x.Shape, wGate.Shape, wUp.Shape, wDown.Shape)
	}
	din := wGate.Shape[0]
	dhidden := wGate.Shape[1]
	if x.Shape[len(x.Shape)-1] != din || wUp.Shape[0] != din || wUp.Shape[1] != dhidden || wDown.Shape[0] != dhidden || wDown.Shape[1] != din {
		return nil, shapeError("swiglu_mlp", x.Shape, wGate.Shape, wUp.Shape, wDown.Shape)
	}

	rows := len(x.Data) / din
	hidden := make([]float32, rows*dhidden)
	for r := 0; r < rows; r++ {
		xBase := r * din
		hBase := r * dhidden
		for h := 0; h < dhidden; h++ {
			var gate, up float32
			for k := 0; k < din; k++ {
				xv := x.Data[xBase+k]
				gate += xv * wGate.Data[k*dhidden+h]
				up += xv * wUp.Data[k*dhidden+h]
			}
			hidden[hBase+h] = swish(gate) * up
		}
	}

	out := &arena.Tensor{Shape: append([]int(nil), x.Shape...), Data: make([]float32, rows*din)}
	for r := 0; r < rows; r++ {
		hBase := r * dhidden
		outBase := r * din
		for d := 0; d < din; d++ {
			var acc float32
			for h := 0; h < dhidden; h++ {
				acc += hidden[hBase+h] * wDown.Data[h*din+d]
			}
			out.Data[outBase+d] = acc
		}
	}
	return out, nil
}

func swish(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
