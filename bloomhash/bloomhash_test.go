package bloomhash

import "testing"

// TestSum128Stable pins the exact MurmurHash3 x64-128 (seed 0) output for
// "test" so index derivation never silently drifts across changes to this
// package.
func TestSum128Stable(t *testing.T) {
	const wantH1, wantH2 uint64 = 12429135405209477533, 11102079182576635266

	h1, h2 := Sum128([]byte("test"))
	if h1 != wantH1 || h2 != wantH2 {
		t.Fatalf("Sum128(%q) = (%d, %d), want (%d, %d)", "test", h1, h2, wantH1, wantH2)
	}

	h1b, h2b := Sum128([]byte("test"))
	if h1 != h1b || h2 != h2b {
		t.Fatalf("hash is not deterministic: (%d,%d) != (%d,%d)", h1, h2, h1b, h2b)
	}
}

// TestIndexesPinnedVector pins the literal twelve bucket indices for
// MurmurHash3-x64-128(seed 0), key "test", m=17281, k=12, per spec §8: the
// bucket indices are the specific twelve values the test suite pins, so a
// wrong seed, swapped h1/h2, or wrong murmur variant fails this test even
// though it would still pass a count-and-range-only check.
func TestIndexesPinnedVector(t *testing.T) {
	const m, k = 17281, 12
	want := []uint{4858, 15635, 7431, 927, 11704, 3500, 14277, 6073, 16850, 10346, 2142, 12919}

	got := Indexes([]byte("test"), m, k)
	if len(got) != len(want) {
		t.Fatalf("expected %d indices, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d = %d, want %d (full: got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

func TestIndexesCountAndRange(t *testing.T) {
	const m, k = 17281, 12
	idx := Indexes([]byte("test"), m, k)

	if len(idx) != k {
		t.Fatalf("expected %d indices, got %d", k, len(idx))
	}

	for _, i := range idx {
		if i >= m {
			t.Fatalf("index %d out of range [0,%d)", i, m)
		}
	}
}

func TestIndexesDeterministic(t *testing.T) {
	a := Indexes([]byte("hello"), 1000, 5)
	b := Indexes([]byte("hello"), 1000, 5)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d differs across calls: %d != %d", i, a[i], b[i])
		}
	}
}

func TestIndexesDifferentKeysDiffer(t *testing.T) {
	a := Indexes([]byte("alpha"), 10007, 8)
	b := Indexes([]byte("beta"), 10007, 8)

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("expected different keys to yield different index sets (ok if rare collision, but not for this pair)")
	}
}
