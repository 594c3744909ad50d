package fsstore

import (
	"os"
	"path/filepath"
	"testing"
)

type testMeta struct {
	Capacity int     `json:"capacity"`
	Error    float64 `json:"error"`
	ID       int     `json:"id"`
}

func TestSaveAtomicAndLoad(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "filter")

	meta := testMeta{Capacity: 1000, Error: 0.01, ID: 3}
	raw := []byte{1, 2, 3, 4, 5}

	if err := SaveAtomic(dataPath, meta, raw); err != nil {
		t.Fatalf("SaveAtomic: %v", err)
	}

	if !Exists(dataPath) {
		t.Fatal("expected Exists to be true after SaveAtomic")
	}

	var got testMeta
	if err := LoadMeta(dataPath, &got); err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got != meta {
		t.Fatalf("meta round-trip mismatch: want %+v, got %+v", meta, got)
	}

	gotRaw, err := LoadBuffer(dataPath)
	if err != nil {
		t.Fatalf("LoadBuffer: %v", err)
	}
	if string(gotRaw) != string(raw) {
		t.Fatalf("raw buffer round-trip mismatch: want %v, got %v", raw, gotRaw)
	}

	// No leftover tmp directory.
	if _, err := os.Stat(dataPath + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("expected tmp dir to be gone, stat err = %v", err)
	}
}

func TestSaveAtomicOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "filter")

	if err := SaveAtomic(dataPath, testMeta{ID: 1}, []byte{1}); err != nil {
		t.Fatalf("first SaveAtomic: %v", err)
	}
	if err := SaveAtomic(dataPath, testMeta{ID: 2}, []byte{2, 2}); err != nil {
		t.Fatalf("second SaveAtomic: %v", err)
	}

	var got testMeta
	if err := LoadMeta(dataPath, &got); err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got.ID != 2 {
		t.Fatalf("expected overwritten id 2, got %d", got.ID)
	}
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "filter")

	if err := SaveAtomic(dataPath, testMeta{ID: 1}, []byte{1}); err != nil {
		t.Fatalf("SaveAtomic: %v", err)
	}
	if err := RemoveAll(dataPath); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if Exists(dataPath) {
		t.Fatal("expected directory to be gone after RemoveAll")
	}
}

func TestDirectoryIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()

	idx := BuildDirectoryIndex([]int{0, 1, 2, 5})
	if err := SaveDirectoryIndex(dir, idx); err != nil {
		t.Fatalf("SaveDirectoryIndex: %v", err)
	}

	loaded, err := LoadDirectoryIndex(dir)
	if err != nil {
		t.Fatalf("LoadDirectoryIndex: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a non-nil index")
	}

	for _, id := range []int{0, 1, 2, 5} {
		if !loaded.MightContain(id) {
			t.Fatalf("expected MightContain(%d) to be true", id)
		}
	}
}

func TestLoadDirectoryIndexMissing(t *testing.T) {
	dir := t.TempDir()
	idx, err := LoadDirectoryIndex(dir)
	if err != nil {
		t.Fatalf("expected no error for a missing index, got %v", err)
	}
	if idx != nil {
		t.Fatal("expected a nil index when none was saved")
	}
}

func TestSubFilterDir(t *testing.T) {
	got := SubFilterDir("/data/scaling", 3)
	want := filepath.Join("/data/scaling", "blooms", "3")
	if got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}
