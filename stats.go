package mlxr

import "github.com/mlxr-project/mlxr/internal/arena"

// SchedulerStats aggregates scheduler-level counters. TTFT/TPOT sums are
// in milliseconds; divide by the respective counts for averages.
type SchedulerStats struct {
	Submitted int
	Completed int
	Cancelled int
	Failed    int

	PrefillSteps    int // prefill chunk executions
	DecodeSteps     int // sampled tokens, including the one sampled at the end of prefill
	TokensGenerated int

	Preemptions     int
	BlocksEvicted   int
	PrefixBlockHits int
	KVMissRetries   int

	TTFTSumMS float64
	TPOTSumMS float64
	TPOTCount int

	PeakKVBlocksUsed int
	FinishReasons    map[FinishReason]int

	Arena arena.Stats
}

func newStats() SchedulerStats {
	return SchedulerStats{FinishReasons: make(map[FinishReason]int)}
}

// clone deep-copies the stats so Stats() callers never alias live state.
func (st SchedulerStats) clone() SchedulerStats {
	out := st
	out.FinishReasons = make(map[FinishReason]int, len(st.FinishReasons))
	for k, v := range st.FinishReasons {
		out.FinishReasons[k] = v
	}
	return out
}
