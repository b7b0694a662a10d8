package arena

// Tier tags where a block's bytes currently live.
type Tier int

const (
	TierGPU Tier = iota
	TierCPU
)

func (t Tier) String() string {
	if t == TierCPU {
		return "cpu"
	}
	return "gpu"
}

// Block is the unit of KV storage. Invariants enforced by
// Arena: RefCount >= 0; a block sits on its tier's free list iff
// RefCount == 0; LastAccess strictly increases on each Touch.
type Block struct {
	ID         int
	RefCount   int
	Tier       Tier
	Dirty      bool
	LastAccess int64
	K          *Tensor
	V          *Tensor

	// prev/next thread this block through its tier's intrusive free list.
	// Never observed outside the arena - callers only ever see the integer
	// ID.
	prev, next *Block
}
