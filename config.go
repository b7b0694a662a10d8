package mlxr

import (
	"fmt"

	"github.com/mlxr-project/mlxr/internal/eviction"
)

// Config groups the scheduler knobs, plus the policy
// selections and the KV tier sizing the scheduler forwards down to the
// arena and eviction manager it constructs.
type Config struct {
	MaxBatchTokens      int // per-step token work budget across all members
	MaxBatchSize        int // max sequences per step
	MaxPrefillChunkSize int
	EnableChunkedPrefill bool

	TotalKVBlocks int // GPU tier capacity
	KVBlockSize   int // tokens per block
	CPUKVBlocks   int // CPU overflow tier capacity (0 disables overflow)

	EnablePriorityScheduling    bool
	DecodePreference            float64 // share of the step budget reserved for decode when prefill competes
	EnablePreemption            bool
	MinDecodeStepsBeforePreempt int
	TargetLatencyMS             int

	// SLO-class chunked-prefill overrides. With Enabled set, a critical or
	// sheddable request uses its class threshold instead of
	// MaxPrefillChunkSize, and a threshold of 0 means "never chunk" that
	// class's prefills; other classes keep MaxPrefillChunkSize.
	SLOPrefill struct {
		Enabled            bool
		CriticalThreshold  int
		SheddableThreshold int
	}

	EOSTokenID       int64 // -1 disables EOS detection
	StreamBufferSize int   // per-request output channel capacity
	MasterSeed       int64 // seeds the process-wide per-request RNG derivation

	Eviction eviction.Config

	Policies PolicyConfig
}

// PolicyConfig selects swappable policies by name, the same
// factory-by-name convention each policy's constructor uses.
type PolicyConfig struct {
	Priority  string // "constant" (default), "slo-based"
	Scheduler string // "fcfs" (default), "priority-fcfs", "sjf"
	Admission string // "always-admit" (default), "token-bucket"
	Eviction  string // "lru" (default), "working-set"

	AdmissionBucketCapacity float64
	AdmissionBucketRefill   float64
}

// withDefaults fills unset knobs with serviceable values.
func (c Config) withDefaults() Config {
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = 2048
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 64
	}
	if c.MaxPrefillChunkSize <= 0 {
		c.MaxPrefillChunkSize = 512
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = 16
	}
	if c.EOSTokenID == 0 {
		c.EOSTokenID = 2
	}
	if c.DecodePreference <= 0 || c.DecodePreference > 1 {
		c.DecodePreference = 0.5
	}
	if c.Eviction.EvictionThreshold <= 0 {
		c.Eviction.EvictionThreshold = 0.95
	}
	if c.Eviction.TargetUsage <= 0 {
		c.Eviction.TargetUsage = 0.85
	}
	return c
}

func (c Config) validate() error {
	if c.TotalKVBlocks <= 0 {
		return fmt.Errorf("%w: total_kv_blocks must be positive", ErrInvalidArgument)
	}
	if c.KVBlockSize <= 0 {
		return fmt.Errorf("%w: kv_block_size must be positive", ErrInvalidArgument)
	}
	if c.CPUKVBlocks < 0 {
		return fmt.Errorf("%w: cpu_kv_blocks must be non-negative", ErrInvalidArgument)
	}
	return nil
}
