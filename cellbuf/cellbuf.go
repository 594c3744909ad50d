// Package cellbuf implements the bit-packed bucket storage shared by the
// counting and timing filters. In the source this sharing was done through
// inheritance (a timing filter subclassing a counting filter purely to
// reuse persistence code); here it is a has-a relationship instead: both
// filter types own a Buffer and layer their own add/remove or tick
// semantics on top of it.
//
// A Buffer holds m fixed-width cells, each either 8 bits (one cell per
// byte, the portable "unoptimized" layout) or 4 bits (two cells per byte,
// the "optimized" layout). Cell value 0 always means empty.
package cellbuf

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Width8 and Width4 are the two supported cell widths. Width8 matches the
// source's disable_optimizations=True layout; Width4 matches its default.
const (
	Width8 uint8 = 8
	Width4 uint8 = 4
)

// Buffer is a byte-addressable array of m fixed-width saturating cells.
type Buffer struct {
	width    uint8
	m        uint
	max      uint8 // largest representable cell value, 2^width - 1
	data     []byte
	occupied *bitset.BitSet // shadow mask: bit i set iff cell i != 0
}

// New allocates a zeroed buffer of m cells of the given width.
func New(m uint, width uint8) *Buffer {
	if width != Width4 && width != Width8 {
		panic("cellbuf: width must be 4 or 8")
	}

	cellsPerByte := uint(8 / width)
	nbytes := (m + cellsPerByte - 1) / cellsPerByte

	return &Buffer{
		width:    width,
		m:        m,
		max:      uint8(1<<width) - 1,
		data:     make([]byte, nbytes),
		occupied: bitset.New(m),
	}
}

// Len returns the number of addressable cells.
func (b *Buffer) Len() uint { return b.m }

// Width returns the cell width in bits (4 or 8).
func (b *Buffer) Width() uint8 { return b.width }

// Max returns the largest value a cell can hold.
func (b *Buffer) Max() uint8 { return b.max }

// NumNonZero returns the number of cells whose value is non-zero.
func (b *Buffer) NumNonZero() uint { return b.occupied.Count() }

// Get returns the value stored at cell i.
func (b *Buffer) Get(i uint) uint8 {
	if b.width == Width8 {
		return b.data[i]
	}

	byteIdx, nibble := i>>1, i&1
	if nibble == 0 {
		return b.data[byteIdx] & 0x0F
	}
	return (b.data[byteIdx] >> 4) & 0x0F
}

// Set writes v into cell i and returns the cell's previous value. v must
// already be within [0, Max()]; Set does not clamp.
func (b *Buffer) Set(i uint, v uint8) (prev uint8) {
	prev = b.Get(i)

	if b.width == Width8 {
		b.data[i] = v
	} else {
		byteIdx, nibble := i>>1, i&1
		if nibble == 0 {
			b.data[byteIdx] = (b.data[byteIdx] &^ 0x0F) | (v & 0x0F)
		} else {
			b.data[byteIdx] = (b.data[byteIdx] &^ 0xF0) | ((v & 0x0F) << 4)
		}
	}

	switch {
	case prev == 0 && v != 0:
		b.occupied.Set(i)
	case prev != 0 && v == 0:
		b.occupied.Clear(i)
	}

	return prev
}

// Reset zeroes every cell.
func (b *Buffer) Reset() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.occupied.ClearAll()
}

// Raw returns the packed byte representation, suitable for direct
// persistence. The caller must not mutate the returned slice.
func (b *Buffer) Raw() []byte { return b.data }

// LoadRaw replaces the buffer's contents with data, which must have the
// length New(m, width) would have allocated, and rebuilds the occupied
// shadow mask by scanning every cell.
func LoadRaw(m uint, width uint8, data []byte) (*Buffer, error) {
	b := New(m, width)
	if len(data) != len(b.data) {
		return nil, &ErrBadLength{Want: len(b.data), Got: len(data)}
	}
	copy(b.data, data)

	for i := uint(0); i < m; i++ {
		if b.Get(i) != 0 {
			b.occupied.Set(i)
		}
	}

	return b, nil
}

// ErrBadLength reports a raw buffer whose length doesn't match what the
// declared (m, width) pair would produce.
type ErrBadLength struct {
	Want, Got int
}

func (e *ErrBadLength) Error() string {
	return fmt.Sprintf("cellbuf: raw buffer length mismatch: want %d bytes, got %d", e.Want, e.Got)
}
