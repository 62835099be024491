package accel

import (
	"math/bits"
	"sync/atomic"
)

// Dirty bitmaps are shared with the kernel as arrays of 64-bit words, bit n
// in word n/64.

func bitmapWords(nbits uint64) int {
	return int((nbits + 63) / 64)
}

func newBitmap(nbits uint64) []uint64 {
	return make([]uint64, bitmapWords(nbits))
}

func testBit(bm []uint64, n uint64) bool {
	return bm[n/64]&(1<<(n%64)) != 0
}

func setBitAtomic(bm []uint64, n uint64) {
	atomic.OrUint64(&bm[n/64], 1<<(n%64))
}

// clearBits clears [start, start+n).
func clearBits(bm []uint64, start, n uint64) {
	for n > 0 {
		w, b := start/64, start%64
		span := min(64-b, n)
		mask := ^uint64(0)
		if span < 64 {
			mask = (uint64(1)<<span - 1) << b
		}
		bm[w] &^= mask
		start += span
		n -= span
	}
}

// copyBitsFrom copies nbits bits of src starting at bit off into dst
// starting at bit 0.
func copyBitsFrom(dst, src []uint64, off, nbits uint64) {
	for i := uint64(0); i < nbits; i++ {
		if testBit(src, off+i) {
			dst[i/64] |= 1 << (i % 64)
		}
	}
}

func orBitmap(dst, src []uint64) {
	for i := range min(len(dst), len(src)) {
		dst[i] |= src[i]
	}
}

func countBits(bm []uint64) int {
	n := 0
	for _, w := range bm {
		n += bits.OnesCount64(w)
	}
	return n
}
