// Package rng provides explicit, single-use random keys.
//
// Every stochastic operation in this library consumes a Key. Keys form a
// deterministic tree: Split and Fold derive child keys from a parent without
// any hidden generator state, so an identical root key always reproduces an
// identical run. A key is single-use: passing the same key to two different
// operations is a caller error, not a guarded invariant.
package rng

import "golang.org/x/exp/rand"

// Key is a single-use random seed.
type Key uint64

// NewKey returns the root key for the given seed.
func NewKey(seed uint64) Key {
	return Key(mix(seed))
}

// Fold deterministically derives the i-th child key.
func (k Key) Fold(i uint64) Key {
	return Key(mix(uint64(k) ^ mix(i+1)))
}

// Split derives n independent child keys. The parent key must not be used
// again after splitting.
func (k Key) Split(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = k.Fold(uint64(i))
	}
	return keys
}

// Source returns a pseudo-random source seeded by the key, suitable for
// gonum's distributions.
func (k Key) Source() rand.Source {
	return rand.NewSource(uint64(k))
}

// Rand returns a pseudo-random generator seeded by the key.
func (k Key) Rand() *rand.Rand {
	return rand.New(k.Source())
}

// mix is the SplitMix64 finalizer. It drives all key derivation.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
