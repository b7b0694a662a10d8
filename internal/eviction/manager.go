// Package eviction implements policy-driven KV block eviction under memory
// pressure, with optional disk persistence of evicted blocks. A Manager
// holds a capability to a *pager.Pager, never ownership: the scheduler
// owns both the pager and the eviction manager, not the other way around.
package eviction

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/pager"
)

// Config groups the eviction knobs.
type Config struct {
	EvictionThreshold    float64 // trigger ratio: used/total
	TargetUsage          float64 // post-eviction target occupancy
	MinBlocksPerSequence int     // floor below which a sequence is untouchable
	EnablePersistence    bool
	PersistenceDir       string
}

// MetaFunc supplies the per-sequence priority/active state the working-set
// policy needs. The scheduler owns this information; the eviction manager
// never does.
type MetaFunc func(seqID string) SequenceMeta

// Manager runs maybe_evict against a pager/arena pair using a swappable
// Policy.
type Manager struct {
	mu     sync.Mutex
	pager  *pager.Pager
	cfg    Config
	policy Policy
	meta   MetaFunc
}

// New constructs a Manager. meta may be nil if the chosen policy doesn't use
// per-sequence metadata (e.g. LRU).
func New(p *pager.Pager, cfg Config, policy Policy, meta MetaFunc) *Manager {
	if meta == nil {
		meta = func(string) SequenceMeta { return SequenceMeta{} }
	}
	return &Manager{pager: p, cfg: cfg, policy: policy, meta: meta}
}

// MaybeEvict runs the eviction protocol once and returns the number of
// blocks actually evicted. It is a no-op below the configured threshold.
func (m *Manager) MaybeEvict() (int, error) {
	return m.MaybeEvictExcluding(nil)
}

// MaybeEvictExcluding is MaybeEvict with a set of untouchable sequences:
// the scheduler passes the current batch members (plus the requester) so a
// block is never pulled out from under a sequence the engine is about to
// read.
func (m *Manager) MaybeEvictExcluding(exclude map[string]bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.pager.Arena()
	gpuCap, cpuCap := a.Capacity()
	total := gpuCap + cpuCap
	if total == 0 {
		return 0, nil
	}
	// "free" counts both free-listed blocks and never-created headroom:
	// lazily uncreated capacity is just as allocatable as a recycled block.
	stats := a.Stats()
	used := stats.AllocatedTotal
	free := total - used
	if float64(used)/float64(total) < m.cfg.EvictionThreshold {
		return 0, nil
	}

	numToEvict := int(float64(total)*(1-m.cfg.TargetUsage)) - free
	if numToEvict <= 0 {
		return 0, nil
	}

	candidates, liveCounts, err := m.buildCandidates(a, exclude)
	if err != nil {
		return 0, err
	}
	ordered := m.policy.Order(candidates, m.buildMeta(candidates))

	var chosen []BlockCandidate
	for _, c := range ordered {
		if len(chosen) >= numToEvict {
			break
		}
		if liveCounts[c.SeqID] <= m.cfg.MinBlocksPerSequence {
			continue
		}
		chosen = append(chosen, c)
		liveCounts[c.SeqID]--
	}

	// Persist every chosen block before any page-table slot is marked: the
	// blocks stay live (refcounted by their tables) until MarkEvicted, so
	// the writes can fan out concurrently.
	if m.cfg.EnablePersistence {
		var g errgroup.Group
		for _, c := range chosen {
			c := c
			g.Go(func() error {
				if err := persistBlock(a, m.cfg.PersistenceDir, c.SeqID, c.BlockIndex, c.BlockID); err != nil {
					// persistence failure is recoverable: the block is still
					// discarded, just without a saved copy.
					logrus.WithError(err).WithFields(logrus.Fields{
						"seq_id": c.SeqID, "block_index": c.BlockIndex, "block_id": c.BlockID,
					}).Warn("eviction: persistence failed, discarding block without backup")
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, c := range chosen {
		if _, err := m.pager.MarkEvicted(c.SeqID, c.BlockIndex); err != nil {
			return 0, fmt.Errorf("eviction: mark evicted seq=%s idx=%d: %w", c.SeqID, c.BlockIndex, err)
		}
	}
	return len(chosen), nil
}

// buildCandidates enumerates every live, unshared (refcount == 1) block
// across all sequences, along with each sequence's current live block
// count. Shared blocks are pinned by their forks and never selected.
func (m *Manager) buildCandidates(a *arena.Arena, exclude map[string]bool) ([]BlockCandidate, map[string]int, error) {
	var candidates []BlockCandidate
	liveCounts := make(map[string]int)

	for _, seqID := range m.pager.SequenceIDs() {
		blocks, err := m.pager.Blocks(seqID)
		if err != nil {
			return nil, nil, err
		}
		live := 0
		for idx, blockID := range blocks {
			if blockID == pager.EvictedSlot {
				continue
			}
			live++
			if exclude[seqID] {
				continue
			}
			rc, err := a.RefCount(blockID)
			if err != nil {
				return nil, nil, err
			}
			if rc > 1 {
				continue
			}
			lastAccess, err := a.LastAccess(blockID)
			if err != nil {
				return nil, nil, err
			}
			candidates = append(candidates, BlockCandidate{
				SeqID:      seqID,
				BlockIndex: idx,
				BlockID:    blockID,
				LastAccess: lastAccess,
			})
		}
		liveCounts[seqID] = live
	}
	return candidates, liveCounts, nil
}

func (m *Manager) buildMeta(candidates []BlockCandidate) map[string]SequenceMeta {
	meta := make(map[string]SequenceMeta, len(candidates))
	for _, c := range candidates {
		if _, ok := meta[c.SeqID]; !ok {
			meta[c.SeqID] = m.meta(c.SeqID)
		}
	}
	return meta
}

