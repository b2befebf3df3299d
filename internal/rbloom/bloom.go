// Package rbloom implements the tombstone bloom filter the mutable buffer
// embeds (spec §3/§4.1: "tombstone bloom filter sized for hwm"). It is a
// minimal, fixed-parameter bloom filter, not a general-purpose utility
// library — spec §1 treats bloom filters as an external-collaborator
// concern; this implementation exists only to back the buffer's own named
// attribute.
package rbloom

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// DefaultFalsePositiveRate is used when callers don't need a tighter bound.
const DefaultFalsePositiveRate = 0.01

// Filter is a Kirsch-Mitzenmacher double-hashing bloom filter: two
// independent hashes h1, h2 derive k probe positions as h1 + i*h2.
type Filter struct {
	bits *bitset.BitSet
	m    uint64
	k    uint64
}

// New sizes a filter for expectedItems at the given false-positive rate.
func New(expectedItems uint32, falsePositiveRate float64) *Filter {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	n := uint64(expectedItems)
	if n == 0 {
		n = 1
	}

	m, k := estimateParameters(n, falsePositiveRate)

	return &Filter{bits: bitset.New(uint(m)), m: m, k: k}
}

func estimateParameters(n uint64, p float64) (m uint64, k uint64) {
	mf := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if mf < 8 {
		mf = 8
	}

	m = uint64(mf)

	kf := math.Round((mf / float64(n)) * math.Ln2)
	if kf < 1 {
		kf = 1
	}

	k = uint64(kf)

	return m, k
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.hashPair(key)

	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
}

// MayContain reports whether key was possibly added. A false result is
// authoritative; a true result may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.hashPair(key)

	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}

	return true
}

func (f *Filter) hashPair(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)

	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write([]byte{0xff})
	h2 = d.Sum64()

	if h2 == 0 {
		h2 = 1 // avoid every probe collapsing to h1 when h2 hashes to zero.
	}

	return h1, h2
}
