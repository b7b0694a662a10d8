package refkernel

import (
	"math"
	"testing"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/kernel"
)

func approxEqual(t *testing.T, got, want float32, tol float64) {
	t.Helper()
	if math.Abs(float64(got-want)) > tol {
		t.Fatalf("got %v, want %v (tol %v)", got, want, tol)
	}
}

// TestRMSNorm_ZerosStayZero: rmsnorm of an
// all-zero vector is all zero (no NaN from a zero denominator, thanks to eps).
func TestRMSNorm_ZerosStayZero(t *testing.T) {
	x := &arena.Tensor{Shape: []int{1, 4}, Data: []float32{0, 0, 0, 0}}
	w := &arena.Tensor{Shape: []int{4}, Data: []float32{1, 1, 1, 1}}
	out, err := Ref{}.RMSNorm(x, w, 1e-5)
	if err != nil {
		t.Fatalf("rmsnorm: %v", err)
	}
	for _, v := range out.Data {
		if v != 0 {
			t.Fatalf("expected all-zero output, got %v", v)
		}
	}
}

func TestRMSNorm_UnitWeightNormalizesToRMSOne(t *testing.T) {
	x := &arena.Tensor{Shape: []int{1, 4}, Data: []float32{1, 2, 3, 4}}
	w := &arena.Tensor{Shape: []int{4}, Data: []float32{1, 1, 1, 1}}
	out, err := Ref{}.RMSNorm(x, w, 0)
	if err != nil {
		t.Fatalf("rmsnorm: %v", err)
	}
	var sumSq float64
	for _, v := range out.Data {
		sumSq += float64(v) * float64(v)
	}
	rms := math.Sqrt(sumSq / 4)
	approxEqual(t, float32(rms), 1.0, 1e-4)
}

func TestAttentionPrefill_CausalMaskBlocksFuturePositions(t *testing.T) {
	// single head, D=1: Q=[1,1], K=[10,20], V=[100,200]. Query at position 0
	// can only see key 0; query at position 1 sees both.
	q := &arena.Tensor{Shape: []int{1, 2, 1}, Data: []float32{1, 1}}
	k := &arena.Tensor{Shape: []int{1, 2, 1}, Data: []float32{10, 20}}
	v := &arena.Tensor{Shape: []int{1, 2, 1}, Data: []float32{100, 200}}

	out, err := Ref{}.AttentionPrefill(q, k, v, 1, 1, 0)
	if err != nil {
		t.Fatalf("attention prefill: %v", err)
	}
	// position 0: only attends to key 0 -> output == 100
	approxEqual(t, out.Data[0], 100, 1e-3)
	// position 1: attends to both keys, softmax-weighted toward the larger score
	if out.Data[1] <= 100 || out.Data[1] >= 200 {
		t.Fatalf("expected position 1 output between 100 and 200, got %v", out.Data[1])
	}
}

func TestAttentionPrefill_GQAMapsGroupsOfQueryHeadsToSharedKVHead(t *testing.T) {
	// 4 query heads, 2 kv heads: heads 0,1 -> kv 0; heads 2,3 -> kv 1.
	numQ, numKV := 4, 2
	if gqaHead(0, numQ, numKV) != 0 || gqaHead(1, numQ, numKV) != 0 {
		t.Fatal("expected heads 0,1 to map to kv head 0")
	}
	if gqaHead(2, numQ, numKV) != 1 || gqaHead(3, numQ, numKV) != 1 {
		t.Fatal("expected heads 2,3 to map to kv head 1")
	}
}

func TestRopeApply_RotatesPairedDimensions(t *testing.T) {
	// D=2, one position, cos=0 sin=1 -> rotation by 90 degrees: (x1,x2) -> (-x2,x1)
	x := &arena.Tensor{Shape: []int{1, 2}, Data: []float32{1, 0}}
	cosTable := [][]float32{{0}}
	sinTable := [][]float32{{1}}
	out, err := Ref{}.RopeApply(x, []int64{0}, cosTable, sinTable, kernel.ScalingBase)
	if err != nil {
		t.Fatalf("rope: %v", err)
	}
	approxEqual(t, out.Data[0], 0, 1e-5)
	approxEqual(t, out.Data[1], 1, 1e-5)
}

func TestSwiGLUMLP_ProducesExpectedShape(t *testing.T) {
	x := &arena.Tensor{Shape: []int{1, 2}, Data: []float32{1, 1}}
	wGate := &arena.Tensor{Shape: []int{2, 3}, Data: make([]float32, 6)}
	wUp := &arena.Tensor{Shape: []int{2, 3}, Data: make([]float32, 6)}
	wDown := &arena.Tensor{Shape: []int{3, 2}, Data: make([]float32, 6)}
	for i := range wGate.Data {
		wGate.Data[i] = 0.1
		wUp.Data[i] = 0.2
	}
	for i := range wDown.Data {
		wDown.Data[i] = 0.3
	}
	out, err := Ref{}.SwiGLUMLP(x, wGate, wUp, wDown)
	if err != nil {
		t.Fatalf("swiglu: %v", err)
	}
	if len(out.Data) != 2 {
		t.Fatalf("expected output length 2, got %d", len(out.Data))
	}
}

func TestQGemmDequant_SymmetricGroupScale(t *testing.T) {
	w := kernel.QuantizedWeight{
		Type: kernel.QuantQ8_0, Rows: 2, Cols: 2, GroupSize: 4,
		Data:   []byte{2, 0, 0, 2}, // row-major 2x2, int8-interpreted
		Scales: []float32{1.5},
	}
	x := &arena.Tensor{Shape: []int{2}, Data: []float32{1, 1}}
	out, err := Ref{}.QGemmDequant(x, w, nil)
	if err != nil {
		t.Fatalf("qgemm: %v", err)
	}
	if len(out.Data) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out.Data))
	}
}
