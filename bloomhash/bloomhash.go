// Package bloomhash provides the keyed hash every filter in this module
// routes through. It is the one external collaborator named but not
// designed by the filters themselves: any stable hash producing two 64-bit
// words would do, but the indices handed out to callers must never change
// for a given persisted filter, so the choice is pinned to MurmurHash3
// x64-128 seeded at zero.
package bloomhash

import "github.com/spaolacci/murmur3"

// Sum128 returns the two 64-bit words MurmurHash3 x64-128 (seed 0) produces
// for key.
func Sum128(key []byte) (h1, h2 uint64) {
	return murmur3.Sum128WithSeed(key, 0)
}

// Indexes returns the k bucket indices derived from key for a buffer of m
// buckets, using the double-hashing scheme (h1 + i*h2) mod m.
func Indexes(key []byte, m uint, k uint) []uint {
	h1, h2 := Sum128(key)
	idx := make([]uint, k)
	for i := uint(0); i < k; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % uint64(m))
	}
	return idx
}
