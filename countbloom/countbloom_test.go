package countbloom

import (
	"path/filepath"
	"testing"

	"github.com/mynameisfiber/fuggetaboutit/fberrors"
)

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected an error for capacity 0")
	}
	if _, err := New(10, WithError(0)); err == nil {
		t.Fatal("expected an error for error rate 0")
	}
	if _, err := New(10, WithError(1)); err == nil {
		t.Fatal("expected an error for error rate 1")
	}
}

// TestAddRemoveContains mirrors end-to-end scenario 6: add "target" twice,
// remove once, contains must still be true, and NumNonZero must equal k.
func TestAddRemoveContains(t *testing.T) {
	f, err := New(1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f.Add([]byte("target"))
	f.Add([]byte("target"))
	f.Remove([]byte("target"))

	if !f.Contains([]byte("target")) {
		t.Fatal("expected target to still be contained after one remove of two adds")
	}

	if got, want := f.NumNonZero(), f.NumHashes(); got != want {
		t.Fatalf("expected NumNonZero == k (%d), got %d", want, got)
	}
}

func TestRemoveNeverUnderflows(t *testing.T) {
	f, err := New(1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f.Add([]byte("target"))
	f.Remove([]byte("target"))
	f.Remove([]byte("target")) // removing an already-empty bucket is a no-op

	if f.Contains([]byte("target")) {
		t.Fatal("expected target to be gone after removing its only add")
	}
	if f.NumNonZero() != 0 {
		t.Fatalf("expected 0 non-zero buckets, got %d", f.NumNonZero())
	}
}

func TestAddSaturates(t *testing.T) {
	f, err := New(1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 300; i++ {
		f.Add([]byte("hot"), 255)
	}

	if !f.Contains([]byte("hot")) {
		t.Fatal("expected hot to be contained")
	}
	for _, idx := range f.indexes([]byte("hot")) {
		if got := f.buf.Get(idx); got != f.buf.Max() {
			t.Fatalf("bucket %d = %d, want the saturated value %d", idx, got, f.buf.Max())
		}
	}
}

func TestSizeZeroWhenEmpty(t *testing.T) {
	f, err := New(1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := f.Size(); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestSizeGrowsWithInserts(t *testing.T) {
	f, err := New(1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 100; i++ {
		f.Add([]byte{byte(i), byte(i >> 8)})
	}

	size := f.Size()
	if size <= 0 {
		t.Fatalf("expected a positive size estimate, got %f", size)
	}
	// Should be in the right ballpark (within an order of magnitude).
	if size < 10 || size > 1000 {
		t.Fatalf("size estimate %f implausible for 100 distinct inserts", size)
	}
}

func TestSaveWithoutDataPathFails(t *testing.T) {
	f, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := f.Save(""); err == nil {
		t.Fatal("expected an error saving without a configured data path")
	} else if err != fberrors.ErrPersistenceDisabled {
		t.Fatalf("expected ErrPersistenceDisabled, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cbf")

	f, err := New(500, WithError(0.01), WithID(7))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))
	f.Add([]byte("beta"))

	if err := f.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !loaded.Contains([]byte("alpha")) || !loaded.Contains([]byte("beta")) {
		t.Fatal("expected both keys to round-trip")
	}
	if loaded.Contains([]byte("never-inserted-xyz")) {
		t.Fatal("unexpected containment for a never-inserted key")
	}
	if loaded.NumNonZero() != f.NumNonZero() {
		t.Fatalf("NumNonZero mismatch: want %d, got %d", f.NumNonZero(), loaded.NumNonZero())
	}
	if loaded.ID() == nil || *loaded.ID() != 7 {
		t.Fatalf("expected restored id 7, got %v", loaded.ID())
	}
	if loaded.Capacity() != 500 {
		t.Fatalf("expected restored capacity 500, got %d", loaded.Capacity())
	}
}

func TestFalsePositiveRateRoughlyBounded(t *testing.T) {
	const n = 2000
	errRate := 0.01

	f, err := New(n, WithError(errRate))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < n; i++ {
		f.Add([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
	}

	falsePositives := 0
	const trials = 5000
	for i := n; i < n+trials; i++ {
		key := []byte{byte(i), byte(i >> 8), byte(i >> 16), 0xFF}
		if f.Contains(key) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > errRate*3 {
		t.Fatalf("false positive rate %f exceeds 3x target %f", rate, errRate)
	}
}
