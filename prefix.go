package mlxr

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/mlxr-project/mlxr/internal/pager"
)

// prefixEntry names where a full prompt block's content currently lives:
// the sequence that owns it, the page-table index, and the physical block.
// Entries are validated at match time against the pager, so a stale entry
// (owner finished, block recycled) is dropped instead of trusted.
type prefixEntry struct {
	seqID      string
	blockIndex int
	blockID    int
}

// prefixIndex maps the hash of a token prefix (everything up to and
// including one full block) to the block holding that prefix's last-block
// KV. Lets admission reuse previously computed prompt blocks across
// requests sharing a prefix.
type prefixIndex struct {
	byHash  map[string]prefixEntry
	bySeq   map[string][]string // seqID -> hashes registered for it
}

func newPrefixIndex() *prefixIndex {
	return &prefixIndex{
		byHash: make(map[string]prefixEntry),
		bySeq:  make(map[string][]string),
	}
}

// hashTokens returns a SHA-256 hash of the joined token sequence.
func hashTokens(tokens []int64) string {
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(t, 10))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Register records every fully prefilled prompt block of a sequence. Safe
// to call repeatedly; later registrations overwrite earlier owners so the
// index always points at a live holder.
func (px *prefixIndex) Register(s *sequence, blockSize int, blocks []int) {
	fullBlocks := s.promptDone / blockSize
	for i := 0; i < fullBlocks && i < len(blocks); i++ {
		if blocks[i] == pager.EvictedSlot {
			continue
		}
		h := hashTokens(s.req.PromptTokens[:(i+1)*blockSize])
		px.byHash[h] = prefixEntry{seqID: s.id, blockIndex: i, blockID: blocks[i]}
		px.bySeq[s.id] = append(px.bySeq[s.id], h)
	}
}

// Drop removes every entry registered for a sequence (called when the
// sequence terminates and releases its blocks).
func (px *prefixIndex) Drop(seqID string) {
	for _, h := range px.bySeq[seqID] {
		if e, ok := px.byHash[h]; ok && e.seqID == seqID {
			delete(px.byHash, h)
		}
	}
	delete(px.bySeq, seqID)
}

// Match walks a prompt's full blocks and returns the longest run of
// cached, still-valid blocks, verified against the pager before use. The
// match never covers the whole prompt - at least one token is left to
// prefill so the step still produces first-token logits.
func (px *prefixIndex) Match(p *pager.Pager, prompt []int64, blockSize int) []int {
	maxBlocks := (len(prompt) - 1) / blockSize
	var matched []int
	for i := 0; i < maxBlocks; i++ {
		h := hashTokens(prompt[:(i+1)*blockSize])
		e, ok := px.byHash[h]
		if !ok {
			break
		}
		owner, err := p.Blocks(e.seqID)
		if err != nil || e.blockIndex >= len(owner) || owner[e.blockIndex] != e.blockID {
			delete(px.byHash, h)
			break
		}
		matched = append(matched, e.blockID)
	}
	return matched
}
