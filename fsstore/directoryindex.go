package fsstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
)

// DirectoryIndex is an optional accelerator persisted alongside a scaling
// filter's blooms/ directory: a bloom filter over the sub-filter ids that
// were present at the last save. It lets a caller restoring only a subset
// of sub-filters (scalebloom.LoadSelective) skip opening directories that
// provably are not in the requested set, via FilterCandidateIDs below,
// without having to list the blooms/ directory and stat every entry.
//
// A DirectoryIndex is an accelerator only: a false positive just means an
// id gets opened and checked anyway, and the structure is never the source
// of truth for which sub-filter ids exist on disk.
type DirectoryIndex struct {
	filter *bloom.BloomFilter
}

// BuildDirectoryIndex constructs an index over the given sub-filter ids.
func BuildDirectoryIndex(ids []int) *DirectoryIndex {
	n := uint(len(ids))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, 0.01)
	for _, id := range ids {
		f.Add(idBytes(id))
	}
	return &DirectoryIndex{filter: f}
}

// MightContain reports whether id may have been present when the index was
// built. A false result is definitive; a true result is a maybe.
func (d *DirectoryIndex) MightContain(id int) bool {
	return d.filter.Test(idBytes(id))
}

// SaveDirectoryIndex persists idx under scalingDataPath.
func SaveDirectoryIndex(scalingDataPath string, idx *DirectoryIndex) error {
	path := filepath.Join(scalingDataPath, DirectoryIndexFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fsstore: failed to create %s: %w", DirectoryIndexFilename, err)
	}
	defer f.Close()

	if _, err := idx.filter.WriteTo(f); err != nil {
		return fmt.Errorf("fsstore: failed to write %s: %w", DirectoryIndexFilename, err)
	}

	return f.Sync()
}

// LoadDirectoryIndex reads a previously saved DirectoryIndex. It returns
// (nil, nil) if scalingDataPath holds no index file.
func LoadDirectoryIndex(scalingDataPath string) (*DirectoryIndex, error) {
	path := filepath.Join(scalingDataPath, DirectoryIndexFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: failed to open %s: %w", DirectoryIndexFilename, err)
	}
	defer f.Close()

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("fsstore: failed to read %s: %w", DirectoryIndexFilename, err)
	}

	return &DirectoryIndex{filter: filter}, nil
}

// FilterCandidateIDs narrows want down to the ids a previously saved
// DirectoryIndex at scalingDataPath says might be present, dropping any id
// the index proves was absent at save time. If no index was persisted,
// want is returned unchanged: every id remains a candidate and the caller
// falls back to checking each one directly.
func FilterCandidateIDs(scalingDataPath string, want []int) ([]int, error) {
	idx, err := LoadDirectoryIndex(scalingDataPath)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return want, nil
	}

	candidates := make([]int, 0, len(want))
	for _, id := range want {
		if idx.MightContain(id) {
			candidates = append(candidates, id)
		}
	}
	return candidates, nil
}

func idBytes(id int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}
