// Package bloom provides a concurrency safe bloom filter used to short-circuit
// duplicate checks before any cache or database lookup.
//
// MightContain returning false is a guarantee the key was never added.
// MightContain returning true may be a false positive and callers must confirm
// against an authoritative source before treating the key as a duplicate
package bloom

import (
	"hash/fnv"
	"math"
	"sync"
)

// Filter is a fixed-size bit array with k derived hash positions per key.
// Entries are only ever added; the filter lives for one pipeline run
type Filter struct {
	mu     sync.RWMutex
	words  []uint64
	bits   uint64
	hashes int
	added  uint64
}

// New sizes a filter for the expected number of distinct keys and a target
// false-positive rate. Both parameters are explicit; there are no baked-in
// magic sizes
func New(expectedKeys int, fpRate float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	// m = -n*ln(p) / ln(2)^2, k = m/n * ln(2)
	ln2 := math.Ln2
	m := math.Ceil(-float64(expectedKeys) * math.Log(fpRate) / (ln2 * ln2))
	k := int(math.Round(m / float64(expectedKeys) * ln2))
	return NewWithParams(uint64(m), k)
}

// NewWithParams builds a filter with an explicit bit count and hash count,
// for callers that tuned sizing themselves
func NewWithParams(bits uint64, hashes int) *Filter {
	if bits < 64 {
		bits = 64
	}
	if hashes < 1 {
		hashes = 1
	}
	return &Filter{
		words:  make([]uint64, (bits+63)/64),
		bits:   bits,
		hashes: hashes,
	}
}

// Add records the key in the filter
func (f *Filter) Add(key string) {
	h1, h2 := hashPair(key)
	f.mu.Lock()
	for i := 0; i < f.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.bits
		f.words[pos/64] |= 1 << (pos % 64)
	}
	f.added++
	f.mu.Unlock()
}

// MightContain reports whether the key may have been added.
// A false return is authoritative; a true return is probabilistic
func (f *Filter) MightContain(key string) bool {
	h1, h2 := hashPair(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := 0; i < f.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.bits
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Added returns how many keys were recorded (not deduplicated)
func (f *Filter) Added() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.added
}

// Bits returns the configured bit-array size
func (f *Filter) Bits() uint64 { return f.bits }

// Hashes returns the configured hash count
func (f *Filter) Hashes() int { return f.hashes }

// hashPair derives two independent 64-bit hashes from one key.
// The i-th probe position is h1 + i*h2 (double hashing), which gives k
// effectively independent positions from two FNV passes
func hashPair(key string) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	h1 := h.Sum64()

	h.Reset()
	_, _ = h.Write([]byte{0xff})
	_, _ = h.Write([]byte(key))
	h2 := h.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15 // keep probe stride non-zero
	}
	return h1, h2
}
