package eviction

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/mlxr-project/mlxr/internal/arena"
)

// persistBlock serializes one evicted block's full K/V content to
// persistence_dir/kv_<seq>_<idx>.bin, writing to a temp file first and
// renaming into place so a crash mid-write never leaves a corrupt file.
// Layout: a three-field little-endian i32 header (seq_id, block_index,
// block_id), then the K tensor bytes for every layer, then the V tensor
// bytes for every layer, row-major [num_layers, block_size, num_kv_heads,
// head_dim].
func persistBlock(a *arena.Arena, dir, seqID string, blockIndex, blockID int) error {
	shape := a.Shape()
	path := filepath.Join(dir, fmt.Sprintf("kv_%s_%d.bin", seqID, blockIndex))

	tmp, err := os.CreateTemp(dir, ".kv-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if err := writeBlockHeader(tmp, seqID, blockIndex, blockID); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	for _, view := range []func(int, int) (*arena.Tensor, error){a.KView, a.VView} {
		for layer := 0; layer < shape.NumLayers; layer++ {
			t, err := view(layer, blockID)
			if err != nil {
				tmp.Close()
				return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
			}
			if err := binary.Write(tmp, binary.LittleEndian, t.Data); err != nil {
				tmp.Close()
				return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
			}
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	return nil
}

// seqIDHash folds a string sequence id into the i32 the header carries;
// readers verify ownership by recomputing it for the slot they requested.
func seqIDHash(seqID string) int32 {
	h := fnv.New32a()
	h.Write([]byte(seqID))
	return int32(h.Sum32())
}

func writeBlockHeader(w io.Writer, seqID string, blockIndex, blockID int) error {
	header := [3]int32{seqIDHash(seqID), int32(blockIndex), int32(blockID)}
	return binary.Write(w, binary.LittleEndian, header)
}

// readBlockHeader parses the (seq_id, block_index, block_id) prefix written
// by writeBlockHeader and verifies the seq_id field matches the requested
// sequence. Used by tests and any future restore path.
func readBlockHeader(r io.Reader, seqID string) (blockIndex, blockID int, err error) {
	var header [3]int32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return 0, 0, err
	}
	if header[0] != seqIDHash(seqID) {
		return 0, 0, fmt.Errorf("%w: header seq_id %d does not match %q", ErrPersistenceIO, header[0], seqID)
	}
	return int(header[1]), int(header[2]), nil
}
