// Package pager implements the per-sequence logical-to-physical block
// mapping: page tables, sequence lifecycle, fork/COW, and capacity
// growth. A Pager holds a capability to an *arena.Arena, never ownership
// the other way.
package pager

import (
	"fmt"
	"sync"

	"github.com/mlxr-project/mlxr/internal/arena"
)

// EvictedSlot is the sentinel page-table entry marking a position whose
// block has been evicted.
const EvictedSlot = -1

// pageTable is an ordered, append-only list of block ids. Index i holds
// tokens [i*BlockSize, (i+1)*BlockSize).
type pageTable struct {
	blocks   []int
	parent   string // "" for a root sequence
	lastTick int64
}

// Pager maps sequences to physical blocks.
type Pager struct {
	mu        sync.Mutex
	arena     *arena.Arena
	blockSize int
	tables    map[string]*pageTable
	clock     int64
}

// New constructs a Pager backed by the given arena. blockSize is the
// number of tokens each block covers.
func New(a *arena.Arena, blockSize int) *Pager {
	return &Pager{
		arena:     a,
		blockSize: blockSize,
		tables:    make(map[string]*pageTable),
	}
}

func (p *Pager) BlockSize() int { return p.blockSize }

// Arena returns the backing arena capability, for components (the
// scheduler's prefix-cache index, the eviction manager) that the owning
// hierarchy grants direct access to blocks alongside page tables.
func (p *Pager) Arena() *arena.Arena { return p.arena }

// Create registers a new, empty sequence.
func (p *Pager) Create(seqID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[seqID] = &pageTable{parent: ""}
}

// Delete unrefs every block in the sequence's page table and drops it.
func (p *Pager) Delete(seqID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	for _, id := range pt.blocks {
		if id == EvictedSlot {
			continue
		}
		if err := p.arena.Unref(id); err != nil {
			return err
		}
	}
	delete(p.tables, seqID)
	return nil
}

// Fork creates child as a copy-on-write view of parent's page table: every
// shared block's refcount is incremented before child becomes observable
// to any other goroutine.
func (p *Pager) Fork(parentID, childID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	parent, ok := p.tables[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, parentID)
	}
	if _, exists := p.tables[childID]; exists {
		return fmt.Errorf("%w: child id %s already registered", ErrInvalidArgument, childID)
	}

	copied := make([]int, len(parent.blocks))
	for i, id := range parent.blocks {
		copied[i] = id
		if id == EvictedSlot {
			continue
		}
		if err := p.arena.Ref(id); err != nil {
			return err
		}
	}
	p.tables[childID] = &pageTable{blocks: copied, parent: parentID}
	return nil
}

// EnsureCapacity grows the page table so that len(table) >= ceil(targetTokens/B).
// Growth is append-only and all-or-nothing.
func (p *Pager) EnsureCapacity(seqID string, targetTokens int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	need := numBlocksRequired(targetTokens, p.blockSize)
	have := len(pt.blocks)
	if need <= have {
		return nil
	}
	ids, err := p.arena.AllocateN(need - have)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfCapacity, err)
	}
	pt.blocks = append(pt.blocks, ids...)
	return nil
}

func numBlocksRequired(tokens int64, blockSize int) int {
	if tokens <= 0 {
		return 0
	}
	return int((tokens + int64(blockSize) - 1) / int64(blockSize))
}

// NumBlocks returns the current page table length for a sequence.
func (p *Pager) NumBlocks(seqID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	return len(pt.blocks), nil
}

// BlockForToken returns the physical block id addressing the block
// covering logical position pos, or ErrKVMiss if that slot was evicted.
func (p *Pager) BlockForToken(seqID string, pos int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	idx := int(pos / int64(p.blockSize))
	if idx < 0 || idx >= len(pt.blocks) {
		return 0, fmt.Errorf("%w: position %d not yet allocated for %s", ErrOutOfCapacity, pos, seqID)
	}
	id := pt.blocks[idx]
	if id == EvictedSlot {
		return 0, fmt.Errorf("%w: seq=%s idx=%d", ErrKVMiss, seqID, idx)
	}
	return id, nil
}

// BlockIndexForToken returns the page-table index (not the physical id)
// covering a logical position - used by the engine/eviction boundary to
// name a slot before it is necessarily resolved.
func BlockIndexForToken(pos int64, blockSize int) int {
	return int(pos / int64(blockSize))
}

// Touch refreshes a sequence's and all its live blocks' last-access tick.
func (p *Pager) Touch(seqID string) error {
	p.mu.Lock()
	pt, ok := p.tables[seqID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	p.clock++
	pt.lastTick = p.clock
	ids := append([]int(nil), pt.blocks...)
	p.mu.Unlock()

	for _, id := range ids {
		if id == EvictedSlot {
			continue
		}
		if err := p.arena.Touch(id); err != nil {
			return err
		}
	}
	return nil
}

// PrepareWrite returns the physical block id a caller should write new KV
// data into at the given page-table index, performing copy-on-write first
// if that slot's block is currently shared with another sequence
// (refcount > 1): a fresh block is allocated at the first index the
// writer touches that another sequence also holds.
// prefixTokens is the number of valid tokens already in that block that
// must be preserved across the copy (the rest of the block is scratch).
func (p *Pager) PrepareWrite(seqID string, blockIndex int, prefixTokens int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	if blockIndex < 0 || blockIndex >= len(pt.blocks) {
		return 0, fmt.Errorf("%w: index %d out of range for %s", ErrOutOfCapacity, blockIndex, seqID)
	}
	oldID := pt.blocks[blockIndex]
	if oldID == EvictedSlot {
		return 0, fmt.Errorf("%w: seq=%s idx=%d", ErrKVMiss, seqID, blockIndex)
	}
	rc, err := p.arena.RefCount(oldID)
	if err != nil {
		return 0, err
	}
	if rc <= 1 {
		return oldID, nil
	}

	newID, err := p.arena.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfCapacity, err)
	}
	if prefixTokens > 0 {
		if err := copyBlockPrefix(p.arena, oldID, newID, prefixTokens); err != nil {
			_ = p.arena.Unref(newID)
			return 0, err
		}
	}
	if err := p.arena.Unref(oldID); err != nil {
		_ = p.arena.Unref(newID)
		return 0, err
	}
	pt.blocks[blockIndex] = newID
	return newID, nil
}

func copyBlockPrefix(a *arena.Arena, oldID, newID, prefixTokens int) error {
	shape := a.Shape()
	for layer := 0; layer < shape.NumLayers; layer++ {
		for _, view := range []struct {
			read  func(int, int) (*arena.Tensor, error)
		}{{a.KView}, {a.VView}} {
			src, err := view.read(layer, oldID)
			if err != nil {
				return err
			}
			dst, err := view.read(layer, newID)
			if err != nil {
				return err
			}
			perToken := shape.NumKVHeads * shape.HeadDim
			n := prefixTokens * perToken
			if n > len(src.Data) {
				n = len(src.Data)
			}
			copy(dst.Data[:n], src.Data[:n])
		}
	}
	return nil
}

// Parent returns the parent sequence id ("" for a root sequence).
func (p *Pager) Parent(seqID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	return pt.parent, nil
}

// Blocks returns a copy of the sequence's current page table, for
// inspection by the eviction manager and tests.
func (p *Pager) Blocks(seqID string) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	return append([]int(nil), pt.blocks...), nil
}

// SequenceIDs returns all currently-registered sequence ids, in no
// particular order. Used by the eviction manager to enumerate candidates.
func (p *Pager) SequenceIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tables))
	for id := range p.tables {
		ids = append(ids, id)
	}
	return ids
}

// MarkEvicted sets a page-table slot to the evicted sentinel and unrefs
// the block that was there. Called by the eviction manager only.
func (p *Pager) MarkEvicted(seqID string, blockIndex int) (evictedBlockID int, err error) {
	p.mu.Lock()
	pt, ok := p.tables[seqID]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	if blockIndex < 0 || blockIndex >= len(pt.blocks) {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: index %d out of range for %s", ErrOutOfCapacity, blockIndex, seqID)
	}
	id := pt.blocks[blockIndex]
	if id == EvictedSlot {
		p.mu.Unlock()
		return 0, nil
	}
	pt.blocks[blockIndex] = EvictedSlot
	p.mu.Unlock()

	if err := p.arena.Unref(id); err != nil {
		return 0, err
	}
	return id, nil
}

// RestoreEvicted allocates fresh blocks into every evicted (-1) slot with
// index < upTo, all-or-nothing, so the scheduler's KVMiss recovery can
// recompute those positions by re-prefill. The new blocks hold garbage
// until the engine rewrites them.
func (p *Pager) RestoreEvicted(seqID string, upTo int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	if upTo > len(pt.blocks) {
		upTo = len(pt.blocks)
	}
	var holes []int
	for i := 0; i < upTo; i++ {
		if pt.blocks[i] == EvictedSlot {
			holes = append(holes, i)
		}
	}
	if len(holes) == 0 {
		return nil
	}
	ids, err := p.arena.AllocateN(len(holes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfCapacity, err)
	}
	for n, i := range holes {
		pt.blocks[i] = ids[n]
	}
	return nil
}

// FirstEvictedIndex returns the lowest evicted slot index covering tokens
// [0, tokens), or -1 when every needed slot is live.
func (p *Pager) FirstEvictedIndex(seqID string, tokens int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	need := numBlocksRequired(tokens, p.blockSize)
	if need > len(pt.blocks) {
		need = len(pt.blocks)
	}
	for i := 0; i < need; i++ {
		if pt.blocks[i] == EvictedSlot {
			return i, nil
		}
	}
	return -1, nil
}

// CountEvicted returns how many slots covering tokens [0, tokens) hold the
// evicted sentinel.
func (p *Pager) CountEvicted(seqID string, tokens int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	need := numBlocksRequired(tokens, p.blockSize)
	if need > len(pt.blocks) {
		need = len(pt.blocks)
	}
	n := 0
	for i := 0; i < need; i++ {
		if pt.blocks[i] == EvictedSlot {
			n++
		}
	}
	return n, nil
}

// AdoptPrefix seeds a freshly created, still-empty sequence's page table
// with blocks already owned by another live sequence (a matched cached
// prefix). Each adopted block's refcount is incremented; the sequence must
// have no existing entries.
func (p *Pager) AdoptPrefix(seqID string, blockIDs []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.tables[seqID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seqID)
	}
	if len(pt.blocks) != 0 {
		return fmt.Errorf("%w: AdoptPrefix requires an empty page table for %s", ErrInvalidArgument, seqID)
	}
	for _, id := range blockIDs {
		if err := p.arena.Ref(id); err != nil {
			return err
		}
	}
	pt.blocks = append(pt.blocks, blockIDs...)
	return nil
}
