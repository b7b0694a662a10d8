package arena

import (
	"fmt"
	"sync"
)

// Config configures a new Arena, narrowed to what the arena itself needs
// (the pager/eviction layers own the rest).
type Config struct {
	Shape          BlockShape
	GPUCapacity    int  // max lazily-created GPU blocks
	CPUCapacity    int  // max lazily-created CPU blocks (0 = no CPU overflow tier)
	EnableOverflow bool // allow spilling allocation to the CPU tier
}

// Stats reports pool occupancy and cross-tier traffic.
type Stats struct {
	TotalCreated   int
	FreePerTier    map[Tier]int
	AllocatedTotal int
	BytesAllocated int64
	MovesGPUToCPU  int64
	MovesCPUToGPU  int64
}

// Arena is a fixed-size, tiered block pool. One mutex guards all state so a
// producer goroutine can call Allocate/Ref/Unref concurrently with anything
// else touching the arena.
type Arena struct {
	mu sync.Mutex

	shape          BlockShape
	gpuCapacity    int
	cpuCapacity    int
	enableOverflow bool

	blocks  map[int]*Block
	nextID  int
	clock   int64
	free    map[Tier]*freeList
	created map[Tier]int

	movesGPUToCPU int64
	movesCPUToGPU int64
}

// New constructs an empty Arena; blocks are created lazily on demand
// rather than pre-allocated on boot.
func New(cfg Config) *Arena {
	return &Arena{
		shape:          cfg.Shape,
		gpuCapacity:    cfg.GPUCapacity,
		cpuCapacity:    cfg.CPUCapacity,
		enableOverflow: cfg.EnableOverflow && cfg.CPUCapacity > 0,
		blocks:         make(map[int]*Block),
		free: map[Tier]*freeList{
			TierGPU: {},
			TierCPU: {},
		},
		created: map[Tier]int{},
	}
}

// Shape returns the per-block K/V tensor layout this arena was built with.
func (a *Arena) Shape() BlockShape { return a.shape }

// Capacity returns the configured maximum lazily-created block counts per
// tier, for callers (the eviction manager) that need to reason about total
// pool size rather than current occupancy.
func (a *Arena) Capacity() (gpu, cpu int) { return a.gpuCapacity, a.cpuCapacity }

func (a *Arena) lazilyCreate(tier Tier) *Block {
	b := &Block{
		ID:   a.nextID,
		Tier: tier,
		K:    NewTensor(a.shape.NumLayers, a.shape.TokensPerBlock, a.shape.NumKVHeads, a.shape.HeadDim),
		V:    NewTensor(a.shape.NumLayers, a.shape.TokensPerBlock, a.shape.NumKVHeads, a.shape.HeadDim),
	}
	a.nextID++
	a.blocks[b.ID] = b
	a.created[tier]++
	return b
}

// allocateOne is the O(1) hot path backing Allocate: prefer a free GPU
// block, else lazily create one up to capacity, else (if overflow is on)
// do the same on the CPU tier. Caller holds a.mu.
func (a *Arena) allocateOne() (*Block, error) {
	if b := a.free[TierGPU].popOldest(); b != nil {
		return b, nil
	}
	if a.created[TierGPU] < a.gpuCapacity {
		return a.lazilyCreate(TierGPU), nil
	}
	if a.enableOverflow {
		if b := a.free[TierCPU].popOldest(); b != nil {
			return b, nil
		}
		if a.created[TierCPU] < a.cpuCapacity {
			return a.lazilyCreate(TierCPU), nil
		}
	}
	return nil, ErrOutOfCapacity
}

// Allocate reserves one block with RefCount=1, Dirty=false.
func (a *Arena) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.allocateOne()
	if err != nil {
		return -1, err
	}
	b.RefCount = 1
	b.Dirty = false
	a.clock++
	b.LastAccess = a.clock
	return b.ID, nil
}

// AllocateN reserves n blocks transactionally: either all n are returned,
// or none are (any partial allocation is released).
func (a *Arena) AllocateN(n int) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: n=%d", ErrInvalidArgument, n)
	}
	if n == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	got := make([]*Block, 0, n)
	for len(got) < n {
		b, err := a.allocateOne()
		if err != nil {
			// all-or-nothing: release everything acquired so far
			for _, rb := range got {
				a.releaseLocked(rb)
			}
			return nil, err
		}
		got = append(got, b)
	}
	ids := make([]int, n)
	a.clock++
	for i, b := range got {
		b.RefCount = 1
		b.Dirty = false
		b.LastAccess = a.clock
		ids[i] = b.ID
	}
	return ids, nil
}

// releaseLocked returns a block acquired by a failed AllocateN (freshly
// created or popped off a free list, never referenced) to its tier's free
// list. Caller holds a.mu.
func (a *Arena) releaseLocked(b *Block) {
	b.RefCount = 0
	a.free[b.Tier].append(b)
}

func (a *Arena) get(id int) (*Block, error) {
	b, ok := a.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}
	return b, nil
}

// Ref increments a block's reference count (used by fork/COW sharing).
func (a *Arena) Ref(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return err
	}
	b.RefCount++
	return nil
}

// Unref decrements a block's reference count, returning it to its tier's
// free list when the count reaches zero.
func (a *Arena) Unref(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return err
	}
	if b.RefCount <= 0 {
		return fmt.Errorf("%w: unref of block %d with refcount %d", ErrInvalidArgument, id, b.RefCount)
	}
	b.RefCount--
	if b.RefCount == 0 {
		a.free[b.Tier].append(b)
	}
	return nil
}

// Touch refreshes a block's last-access tick, used by LRU-style eviction
// policies. LastAccess is driven off a monotonic counter private to the
// arena so ticks are strictly increasing regardless of wall-clock
// resolution.
func (a *Arena) Touch(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return err
	}
	a.clock++
	b.LastAccess = a.clock
	return nil
}

// LastAccess returns a block's last-touch tick.
func (a *Arena) LastAccess(id int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return 0, err
	}
	return b.LastAccess, nil
}

// RefCount returns a block's current reference count.
func (a *Arena) RefCount(id int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return 0, err
	}
	return b.RefCount, nil
}

// Move relocates a block between tiers. On unified-memory hardware this is
// a tier-tag change plus a materialization barrier; since
// the arena itself does not know about kernels, the barrier is the
// caller's responsibility (the kernel adapter calls Evaluate before
// depending on the new placement).
func (a *Arena) Move(id int, to Tier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return err
	}
	if b.Tier == to {
		return nil
	}
	// only free blocks live on a free list; in-use blocks simply change tier tag
	wasFree := b.RefCount == 0
	if wasFree {
		a.free[b.Tier].remove(b)
	}
	from := b.Tier
	b.Tier = to
	if wasFree {
		a.free[to].append(b)
	}
	if from == TierGPU && to == TierCPU {
		a.movesGPUToCPU++
	} else if from == TierCPU && to == TierGPU {
		a.movesCPUToGPU++
	}
	return nil
}

// KView returns the per-layer K tensor view for one block, used by the
// kernel adapter to assemble attention inputs. It is a plain
// slice of Data, not a copy - callers must not retain it past the next
// mutation of the block.
func (a *Arena) KView(layer int, id int) (*Tensor, error) {
	return a.layerView(layer, id, true)
}

// VView is the V-tensor analogue of KView.
func (a *Arena) VView(layer int, id int) (*Tensor, error) {
	return a.layerView(layer, id, false)
}

func (a *Arena) layerView(layer int, id int, isK bool) (*Tensor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(id)
	if err != nil {
		return nil, err
	}
	if layer < 0 || layer >= a.shape.NumLayers {
		return nil, fmt.Errorf("%w: layer %d out of range [0,%d)", ErrInvalidArgument, layer, a.shape.NumLayers)
	}
	stride := a.shape.LayerStride()
	src := b.K
	if !isK {
		src = b.V
	}
	start := layer * stride
	return &Tensor{
		Shape: []int{a.shape.TokensPerBlock, a.shape.NumKVHeads, a.shape.HeadDim},
		Data:  src.Data[start : start+stride],
	}, nil
}

// Stats reports current pool occupancy and cross-tier move counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := map[Tier]int{
		TierGPU: a.free[TierGPU].count,
		TierCPU: a.free[TierCPU].count,
	}
	total := a.created[TierGPU] + a.created[TierCPU]
	allocated := total - free[TierGPU] - free[TierCPU]
	bytesPerBlock := int64(a.shape.Elems()) * 4 * 2 // K+V, float32
	return Stats{
		TotalCreated:   total,
		FreePerTier:    free,
		AllocatedTotal: allocated,
		BytesAllocated: bytesPerBlock * int64(allocated),
		MovesGPUToCPU:  a.movesGPUToCPU,
		MovesCPUToGPU:  a.movesCPUToGPU,
	}
}
