package mlxr

import (
	"sync/atomic"
	"time"

	"github.com/mlxr-project/mlxr/internal/engine"
)

// SequenceState is the scheduler-side request lifecycle.
type SequenceState int

const (
	StateWaiting SequenceState = iota
	StatePrefilling
	StateDecoding
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s SequenceState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s SequenceState) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// sequence is one request's full scheduler-side state: lifecycle, prefill
// progress, generated tokens, KV cache view, and output stream. All fields
// except cancelRequested are mutated only by the worker (or under the
// scheduler mutex before the sequence is admitted), which is what makes
// step t able to observe every write of step t-1 without further locking.
type sequence struct {
	id       string
	parentID string
	req      *Request

	state      SequenceState
	priority   float64
	arrival    time.Time
	arrivalSeq int64 // FIFO tie-break within a priority class

	promptDone int // prompt tokens already written to KV
	generated  []int64
	cache      *engine.InferenceCache

	out             chan Token
	unsent          []Token // tokens sampled while the out channel was full
	terminalPending *Token  // set once, at finalize; the flusher sends it and closes out
	flusherActive   bool
	finish          FinishReason
	lastErr         error

	inFlight           bool // member of the batch currently executing
	decodeSteps        int  // since last admission, for the preemption guard
	preemptedAtStep    int // guards against preempt-then-resume within one step
	pausedBackpressure bool
	kvMissRetried      bool
	cancelRequested    atomic.Bool
	deadline           time.Time // zero = none

	firstTokenAt time.Time
	lastTokenAt  time.Time
}

// numTokens is the sequence's logical token count: everything in KV plus
// the one sampled token not yet fed back through decode.
func (s *sequence) numTokens() int {
	n := s.cache.CachedTokens
	if s.pendingDecodeToken() != nil {
		n++
	}
	return n
}

// pendingDecodeToken returns the token the next decode step must feed: the
// newest generated token, which is sampled before it is written to KV.
// Nil while the prompt is still prefilling.
func (s *sequence) pendingDecodeToken() *int64 {
	if len(s.generated) == 0 || s.promptDone < len(s.req.PromptTokens) {
		return nil
	}
	return &s.generated[len(s.generated)-1]
}

// expectedCached is how many tokens the KV cache must hold before the
// sequence's next step: all prefilled prompt plus every generated token
// except the pending one. A CachedTokens below this marks an interrupted
// KVMiss repair.
func (s *sequence) expectedCached() int {
	n := s.promptDone
	if len(s.generated) > 1 {
		n += len(s.generated) - 1
	}
	return n
}

// fullKVTokens returns the token at every KV position [0, expectedCached()),
// in order. The KVMiss repair path re-prefills slices of this.
func (s *sequence) fullKVTokens() []int64 {
	history := make([]int64, 0, s.expectedCached())
	history = append(history, s.req.PromptTokens[:s.promptDone]...)
	if len(s.generated) > 1 {
		history = append(history, s.generated[:len(s.generated)-1]...)
	}
	return history
}
