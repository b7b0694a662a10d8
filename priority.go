package mlxr

import (
	"fmt"
	"sort"
	"time"
)

// PriorityPolicy computes a priority score for a sequence. Higher scores
// are scheduled first by priority-aware orderings. Implementations MUST
// NOT modify the sequence - only the return value is used.
type PriorityPolicy interface {
	Compute(s *sequence, now time.Time) float64
}

// ConstantPriority passes through the request's own static priority field.
type ConstantPriority struct{}

func (ConstantPriority) Compute(s *sequence, _ time.Time) float64 {
	return s.req.Priority
}

// SLOBasedPriority adds an age bonus on top of the request's static
// priority so long-waiting requests climb past newer high-priority ones.
// With the default AgeWeight=1.0, one second of waiting adds +1.0.
type SLOBasedPriority struct {
	AgeWeight float64
}

func (p *SLOBasedPriority) Compute(s *sequence, now time.Time) float64 {
	return s.req.Priority + p.AgeWeight*now.Sub(s.arrival).Seconds()
}

// NewPriorityPolicy creates a PriorityPolicy by name. Empty string
// defaults to ConstantPriority. Panics on unrecognized names.
func NewPriorityPolicy(name string) PriorityPolicy {
	switch name {
	case "", "constant":
		return ConstantPriority{}
	case "slo-based":
		return &SLOBasedPriority{AgeWeight: 1.0}
	default:
		panic(fmt.Sprintf("unknown priority policy %q", name))
	}
}

// InstanceScheduler reorders the wait queue before each admission pass.
// Implementations sort in place with sort.SliceStable for determinism.
type InstanceScheduler interface {
	OrderQueue(seqs []*sequence, now time.Time)
}

// FCFSScheduler preserves arrival order (no-op).
type FCFSScheduler struct{}

func (FCFSScheduler) OrderQueue(_ []*sequence, _ time.Time) {}

// PriorityFCFSScheduler sorts by priority (descending), then arrival
// (ascending), then id (ascending) for determinism.
type PriorityFCFSScheduler struct {
	Policy PriorityPolicy
}

func (p *PriorityFCFSScheduler) OrderQueue(seqs []*sequence, now time.Time) {
	for _, s := range seqs {
		s.priority = p.Policy.Compute(s, now)
	}
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].priority != seqs[j].priority {
			return seqs[i].priority > seqs[j].priority
		}
		if seqs[i].arrivalSeq != seqs[j].arrivalSeq {
			return seqs[i].arrivalSeq < seqs[j].arrivalSeq
		}
		return seqs[i].id < seqs[j].id
	})
}

// SJFScheduler sorts by prompt length (ascending, shortest first), then
// arrival, then id. SJF can starve long prompts under sustained load.
type SJFScheduler struct{}

func (SJFScheduler) OrderQueue(seqs []*sequence, _ time.Time) {
	sort.SliceStable(seqs, func(i, j int) bool {
		li, lj := len(seqs[i].req.PromptTokens), len(seqs[j].req.PromptTokens)
		if li != lj {
			return li < lj
		}
		if seqs[i].arrivalSeq != seqs[j].arrivalSeq {
			return seqs[i].arrivalSeq < seqs[j].arrivalSeq
		}
		return seqs[i].id < seqs[j].id
	})
}

// NewScheduler creates an InstanceScheduler by name. Empty string defaults
// to FCFS. Panics on unrecognized names.
func NewScheduler(name string, policy PriorityPolicy) InstanceScheduler {
	switch name {
	case "", "fcfs":
		return FCFSScheduler{}
	case "priority-fcfs":
		return &PriorityFCFSScheduler{Policy: policy}
	case "sjf":
		return SJFScheduler{}
	default:
		panic(fmt.Sprintf("unknown scheduler %q", name))
	}
}
