package eviction

import (
	"fmt"
	"sort"
)

// BlockCandidate names one evictable (seq, page-table-index) slot along with
// the physical block attributes a policy needs to rank it.
type BlockCandidate struct {
	SeqID      string
	BlockIndex int
	BlockID    int
	LastAccess int64
}

// SequenceMeta is scheduler-owned information about a sequence that the
// working-set policy needs but the pager/arena do not track themselves.
type SequenceMeta struct {
	Priority float64
	Active   bool
}

// Policy orders eviction candidates from most to least eligible. The
// manager truncates the ordered list to however many blocks it actually
// needs; a policy never decides how many to evict, only which first.
type Policy interface {
	Order(candidates []BlockCandidate, meta map[string]SequenceMeta) []BlockCandidate
}

// LRU orders candidates by ascending last_access: the least-recently-used
// block anywhere is evicted first.
type LRU struct{}

func (LRU) Order(candidates []BlockCandidate, _ map[string]SequenceMeta) []BlockCandidate {
	out := append([]BlockCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAccess < out[j].LastAccess
	})
	return out
}

// WorkingSet drains inactive sequences first; within the same activity
// state, lower-priority sequences are evicted before higher-priority ones;
// last_access breaks remaining ties.
type WorkingSet struct{}

func (WorkingSet) Order(candidates []BlockCandidate, meta map[string]SequenceMeta) []BlockCandidate {
	out := append([]BlockCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := meta[out[i].SeqID], meta[out[j].SeqID]
		if mi.Active != mj.Active {
			return !mi.Active // inactive sorts first (more eligible)
		}
		if mi.Priority != mj.Priority {
			return mi.Priority < mj.Priority
		}
		return out[i].LastAccess < out[j].LastAccess
	})
	return out
}

// NewPolicy constructs a Policy by name. Empty string defaults to LRU.
// Panics on unrecognized names.
func NewPolicy(name string) Policy {
	switch name {
	case "", "lru":
		return LRU{}
	case "working-set":
		return WorkingSet{}
	default:
		panic(fmt.Sprintf("eviction: unknown policy %q", name))
	}
}
