package mlxr

import (
	"time"

	"github.com/mlxr-project/mlxr/internal/engine"
)

// FinishReason names why a request's token stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishEOS       FinishReason = "eos"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// Request carries one generation request's prompt and sampling
// parameters. The zero value of every sampling field is a usable
// default: greedy decoding, no truncation, no penalty.
type Request struct {
	ID           string
	PromptTokens []int64

	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	MaxNewTokens      int
	StopTokens        []int64
	Seed              *int64 // nil selects the process-wide derived stream

	Priority float64
	SLOClass string        // "critical"/"sheddable" override chunked-prefill thresholds
	Deadline time.Duration // max wall time; 0 = none
}

func (r *Request) samplingParams() engine.SamplingParams {
	return engine.SamplingParams{
		Temperature:       r.Temperature,
		TopK:              r.TopK,
		TopP:              r.TopP,
		RepetitionPenalty: r.RepetitionPenalty,
	}
}

// Token is one element of a request's output stream. FinishReason is empty
// until the terminal token; a terminal entry produced by cancellation,
// timeout, or error carries ID == -1 and only the reason.
type Token struct {
	ID           int64
	FinishReason FinishReason
}

// Handle identifies an in-flight request to Cancel/Fork and exposes its
// token stream.
type Handle struct {
	seq *sequence
}

// ID returns the owning sequence id.
func (h *Handle) ID() string { return h.seq.id }

// Tokens returns the request's bounded output stream. The channel is
// closed after the terminal token; consumers must drain it - a full
// buffer exerts backpressure that pauses the sequence.
func (h *Handle) Tokens() <-chan Token { return h.seq.out }
