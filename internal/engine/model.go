package engine

import "github.com/mlxr-project/mlxr/internal/kernel"

// LayerWeights holds one transformer layer's parameters. Projections are
// plain dense float32 matrices here; quantized checkpoints instead route
// MLPDown through kernel.Ops.QGemmDequant (see Engine.mlp).
type LayerWeights struct {
	AttnNormWeight []float32 // length HiddenSize
	Wq, Wk, Wv, Wo Matrix
	MLPNormWeight  []float32
	MLPDownQuant   *kernel.QuantizedWeight // non-nil selects the quantized path
	WGate, WUp, WDown Matrix
}

// Matrix is a row-major [Rows, Cols] dense float32 matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewMatrix wraps data as a [rows, cols] Matrix; nil data allocates zeros.
func NewMatrix(rows, cols int, data []float32) Matrix {
	if data == nil {
		data = make([]float32, rows*cols)
	}
	return Matrix{Rows: rows, Cols: cols, Data: data}
}

// ModelConfig names the shapes and hyperparameters forward passes need.
// CosTable/SinTable are precomputed per-position RoPE tables sized to the
// longest context the caller intends to run; building them (including the
// ntk/yarn/linear frequency scaling variants) is the weight loader's job,
// which sits outside this core.
type ModelConfig struct {
	NumLayers    int
	NumQHeads    int
	NumKVHeads   int
	HeadDim      int
	HiddenSize   int // NumQHeads * HeadDim
	VocabSize    int
	RMSNormEps   float32
	RopeScaling  kernel.ScalingMode
	CosTable     [][]float32
	SinTable     [][]float32
}

// Weights bundles every layer plus the embedding and output projections.
type Weights struct {
	Layers      []LayerWeights
	Embedding   Matrix // [VocabSize, HiddenSize]
	FinalNorm   []float32
	OutputProj  Matrix // [HiddenSize, VocabSize]
}
