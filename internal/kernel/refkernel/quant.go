package refkernel

import (
	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
)

// QGemmDequant performs a fused dequantize-and-matmul: y = x · dequant(w) + bias.
// Every supported quant type dequantizes through the same per-group path:
// scale times value, less the group's zero point when w.Zeros is set,
// since refkernel stores pre-unpacked
// nibble/byte values rather than replicating each format's exact bit
// layout - sufficient for a reference/test kernel, not a production one.
func (Ref) QGemmDequant(x *arena.Tensor, w kernel.QuantizedWeight, bias *arena.Tensor) (*arena.Tensor, error) {
	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != w.Rows {
		return nil, shapeError("q_gemm_dequant", x.Shape)
	}
	rows := len(x.Data) / w.Rows
	out := &arena.Tensor{Shape: append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), w.Cols), Data: make([]float32, rows*w.Cols)}

	dequant := dequantize(w)
	for r := 0; r < rows; r++ {
		xBase := r * w.Rows
		outBase := r * w.Cols
		for c := 0; c < w.Cols; c++ {
			var acc float32
			for k := 0; k < w.Rows; k++ {
				acc += x.Data[xBase+k] * dequant[k*w.Cols+c]
			}
			if bias != nil {
				acc += bias.Data[c]
			}
			out.Data[outBase+c] = acc
		}
	}
	return out, nil
}

// dequantize expands a QuantizedWeight into a dense row-major [Rows,Cols]
// float32 matrix using per-group scale (and, for asymmetric schemes, zero
// point).
func dequantize(w kernel.QuantizedWeight) []float32 {
	n := w.Rows * w.Cols
	out := make([]float32, n)
	if w.GroupSize <= 0 {
		w.GroupSize = n
	}
	for i := 0; i < n; i++ {
		group := i / w.GroupSize
		if group >= len(w.Scales) {
			group = len(w.Scales) - 1
		}
		raw := float32(0)
		if i < len(w.Data) {
			raw = float32(int8(w.Data[i])) // treat stored bytes as signed nibble-equivalents
		}
		scale := w.Scales[group]
		var zero float32
		if w.Zeros != nil && group < len(w.Zeros) {
			zero = w.Zeros[group]
		}
		out[i] = (raw - zero) * scale
	}
	return out
}
