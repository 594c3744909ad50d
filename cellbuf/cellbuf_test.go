package cellbuf

import "testing"

func TestWidth8GetSet(t *testing.T) {
	b := New(10, Width8)

	if prev := b.Set(3, 200); prev != 0 {
		t.Fatalf("expected previous value 0, got %d", prev)
	}

	if got := b.Get(3); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}

	if n := b.NumNonZero(); n != 1 {
		t.Fatalf("expected 1 non-zero cell, got %d", n)
	}
}

func TestWidth4PackedAddressing(t *testing.T) {
	b := New(4, Width4)

	b.Set(0, 5)
	b.Set(1, 9)
	b.Set(2, 1)
	b.Set(3, 15)

	want := []uint8{5, 9, 1, 15}
	for i, w := range want {
		if got := b.Get(uint(i)); got != w {
			t.Fatalf("cell %d: want %d, got %d", i, w, got)
		}
	}

	if len(b.Raw()) != 2 {
		t.Fatalf("expected 2 packed bytes for 4 nibble cells, got %d", len(b.Raw()))
	}
}

func TestWidth4IndependentNibbles(t *testing.T) {
	b := New(2, Width4)

	b.Set(0, 0xF)
	b.Set(1, 0x3)

	if got := b.Get(0); got != 0xF {
		t.Fatalf("low nibble clobbered: got %d", got)
	}
	if got := b.Get(1); got != 0x3 {
		t.Fatalf("high nibble wrong: got %d", got)
	}

	b.Set(0, 0x0)
	if got := b.Get(1); got != 0x3 {
		t.Fatalf("clearing nibble 0 clobbered nibble 1: got %d", got)
	}
}

func TestNumNonZeroTransitions(t *testing.T) {
	b := New(5, Width8)

	b.Set(0, 1)
	b.Set(1, 1)
	if n := b.NumNonZero(); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}

	b.Set(0, 0)
	if n := b.NumNonZero(); n != 1 {
		t.Fatalf("expected 1 after clearing a cell, got %d", n)
	}

	b.Set(0, 7)
	b.Set(0, 9) // non-zero -> non-zero, no transition
	if n := b.NumNonZero(); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
}

func TestReset(t *testing.T) {
	b := New(8, Width4)
	for i := uint(0); i < 8; i++ {
		b.Set(i, 3)
	}
	b.Reset()

	if n := b.NumNonZero(); n != 0 {
		t.Fatalf("expected 0 after reset, got %d", n)
	}
	for i := uint(0); i < 8; i++ {
		if got := b.Get(i); got != 0 {
			t.Fatalf("cell %d not cleared: %d", i, got)
		}
	}
}

func TestLoadRawRoundTrip(t *testing.T) {
	b := New(6, Width4)
	b.Set(0, 1)
	b.Set(2, 9)
	b.Set(5, 15)

	raw := append([]byte(nil), b.Raw()...)

	b2, err := LoadRaw(6, Width4, raw)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}

	for i := uint(0); i < 6; i++ {
		if b.Get(i) != b2.Get(i) {
			t.Fatalf("cell %d mismatch after round-trip: %d != %d", i, b.Get(i), b2.Get(i))
		}
	}

	if b.NumNonZero() != b2.NumNonZero() {
		t.Fatalf("NumNonZero mismatch: %d != %d", b.NumNonZero(), b2.NumNonZero())
	}
}

func TestLoadRawLengthMismatch(t *testing.T) {
	_, err := LoadRaw(10, Width8, make([]byte, 3))
	if err == nil {
		t.Fatal("expected an error for mismatched raw buffer length")
	}
}
