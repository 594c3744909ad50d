// Package fsstore implements the on-disk directory layout and atomic save
// shared by the counting, timing, and scaling filters: a meta.json
// describing the filter's parameters, a raw packed-cell buffer file, and
// (for the scaling filter only) a blooms/ directory of sub-filter
// directories plus an optional bloom-filter index over their ids.
//
// Save is atomic: the directory is built under "<path>-tmp", fsynced, and
// only then does the previous "<path>" get removed and the tmp directory
// renamed into place. A crash before that removal leaves the previously
// committed directory untouched; a crash between the removal and the
// rename leaves nothing at "<path>" and the complete new contents under
// "<path>-tmp".
package fsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	// MetaFilename is the JSON metadata file every filter directory has.
	MetaFilename = "meta.json"
	// BufferFilename is the raw packed-cell buffer file.
	BufferFilename = "bloom.bin"
	// SubFiltersDirName is the scaling filter's sub-directory of
	// per-sub-filter directories, named after their id.
	SubFiltersDirName = "blooms"
	// DirectoryIndexFilename is the optional bloom-filter accelerator over
	// persisted sub-filter ids.
	DirectoryIndexFilename = "blooms.idx"

	tmpSuffix = "-tmp"
)

// SaveAtomic writes meta (marshaled as JSON) and raw (the packed cell
// buffer) into dataPath, atomically. Any existing directory at dataPath is
// replaced only once the new contents are fully and durably written.
func SaveAtomic(dataPath string, meta any, raw []byte) error {
	return SaveAtomicDir(dataPath, func(tmpPath string) error {
		if err := writeMeta(tmpPath, meta); err != nil {
			return err
		}
		return writeBuffer(tmpPath, raw)
	})
}

// SaveAtomicDir builds a directory's contents under a temporary sibling of
// dataPath via populate, fsyncs it, and only then replaces dataPath with
// it. populate receives the path of the tmp directory to fill in; it may
// create further subdirectories of its own (used by the scaling filter to
// lay out a blooms/ directory of sub-filter directories).
func SaveAtomicDir(dataPath string, populate func(tmpPath string) error) error {
	dataPath = filepath.Clean(dataPath)
	tmpPath := dataPath + tmpSuffix

	if err := os.RemoveAll(tmpPath); err != nil {
		return fmt.Errorf("fsstore: failed to clear stale tmp dir: %w", err)
	}
	if err := os.MkdirAll(tmpPath, 0o755); err != nil {
		return fmt.Errorf("fsstore: failed to create tmp dir: %w", err)
	}

	if err := populate(tmpPath); err != nil {
		return err
	}
	if err := fsyncDir(tmpPath); err != nil {
		return err
	}

	if err := os.RemoveAll(dataPath); err != nil {
		return fmt.Errorf("fsstore: failed to remove previous directory: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return fmt.Errorf("fsstore: failed to commit tmp dir: %w", err)
	}

	return nil
}

// WriteMetaFile writes meta.json directly into dir. Unlike SaveAtomic, it
// performs no atomic rename of its own: callers use it to add a meta.json
// to a tmp directory that fsstore.SaveAtomicDir is already managing.
func WriteMetaFile(dir string, meta any) error {
	return writeMeta(dir, meta)
}

// ListSubFilterIDs returns the ids of every sub-filter directory under
// scalingDataPath's blooms/ directory, sorted ascending, by listing the
// directory directly. It is always authoritative; it does not consult the
// optional DirectoryIndex (see FilterCandidateIDs for that).
func ListSubFilterIDs(scalingDataPath string) ([]int, error) {
	dir := filepath.Join(scalingDataPath, SubFiltersDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: failed to list %s: %w", dir, err)
	}

	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func writeMeta(dir string, meta any) error {
	f, err := os.Create(filepath.Join(dir, MetaFilename))
	if err != nil {
		return fmt.Errorf("fsstore: failed to create %s: %w", MetaFilename, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("fsstore: failed to encode %s: %w", MetaFilename, err)
	}

	return f.Sync()
}

func writeBuffer(dir string, raw []byte) error {
	f, err := os.Create(filepath.Join(dir, BufferFilename))
	if err != nil {
		return fmt.Errorf("fsstore: failed to create %s: %w", BufferFilename, err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("fsstore: failed to write %s: %w", BufferFilename, err)
	}

	return f.Sync()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fsstore: failed to open dir for sync: %w", err)
	}
	defer d.Close()

	// Not all filesystems support fsync on a directory descriptor; ignore
	// the error rather than fail the save over a best-effort durability step.
	_ = d.Sync()
	return nil
}

// LoadMeta reads and JSON-decodes meta.json from dataPath into out.
func LoadMeta(dataPath string, out any) error {
	f, err := os.Open(filepath.Join(dataPath, MetaFilename))
	if err != nil {
		return fmt.Errorf("fsstore: failed to open %s: %w", MetaFilename, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("fsstore: failed to decode %s: %w", MetaFilename, err)
	}

	return nil
}

// LoadBuffer reads the raw packed-cell buffer file from dataPath.
func LoadBuffer(dataPath string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dataPath, BufferFilename))
	if err != nil {
		return nil, fmt.Errorf("fsstore: failed to read %s: %w", BufferFilename, err)
	}
	return raw, nil
}

// Exists reports whether dataPath already holds a saved directory (i.e.
// its meta.json is present).
func Exists(dataPath string) bool {
	_, err := os.Stat(filepath.Join(dataPath, MetaFilename))
	return err == nil
}

// RemoveAll deletes dataPath and everything under it. Used by the scaling
// filter's reap phase to destroy a sub-filter's directory atomically with
// respect to removing it from the in-memory sub-filter list.
func RemoveAll(dataPath string) error {
	if err := os.RemoveAll(dataPath); err != nil {
		return fmt.Errorf("fsstore: failed to remove %s: %w", dataPath, err)
	}
	return nil
}

// SubFilterDir returns the path a scaling filter stores sub-filter id
// under, relative to the scaling filter's own data path.
func SubFilterDir(scalingDataPath string, id int) string {
	return filepath.Join(scalingDataPath, SubFiltersDirName, fmt.Sprintf("%d", id))
}
