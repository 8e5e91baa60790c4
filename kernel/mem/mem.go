// Package mem collects the size/alignment arithmetic shared by the page
// provider, the physical frame allocator and both KMA policies. It
// generalizes the teacher kernel's kernel/mem package (Size, PageOrder,
// Align, Memset, the Kb/Byte unit constants).
package mem

import (
	"unsafe"

	"github.com/achilleasa/kma/kernel/errors"
)

// Size represents a quantity of bytes.
type Size uint64

// Byte-unit constants, as in the teacher's kernel/mem package.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
)

// PageShift is log2(PageSize).
const PageShift = 13

// PageSize is the fixed page size the allocator obtains pages in. 8KiB,
// matching spec.md's example scenarios.
const PageSize Size = 1 << PageShift

// PageOrder indexes a power-of-two run of pages: order N covers
// 2^N * PageSize contiguous bytes. Used only by kernel/mem/physical, which
// retains the teacher's multi-order buddy machinery even though this
// module's KMA policies only ever request order(0) frames.
type PageOrder uint8

// MaxPageOrder bounds the physical frame allocator's order ladder. The
// frame allocator only ever registers free memory in whole
// order(MaxPageOrder) blocks (mem.PageSize << MaxPageOrder bytes each), so
// this also sets the smallest region Init can make any use of at all.
const MaxPageOrder PageOrder = 4

// ErrOutOfMemory is returned by the physical frame allocator when no page
// at any usable order remains.
var ErrOutOfMemory = errors.ErrOutOfMemory

// Pages returns the number of PageSize pages needed to cover s, rounding
// up.
func (s Size) Pages() uint32 {
	return uint32((s + PageSize - 1) >> PageShift)
}

// Align rounds addr up to the next multiple of alignment, which must be a
// power of two.
func Align(addr uintptr, alignment Size) uintptr {
	mask := uintptr(alignment - 1)
	return (addr + mask) &^ mask
}

// BaseAddr returns the start of the PageSize-aligned page containing addr.
func BaseAddr(addr uintptr) uintptr {
	return addr &^ (uintptr(PageSize) - 1)
}

// Memset fills size bytes starting at addr with value. It is a thin
// wrapper around unsafe memory writes so that allocator code can depend on
// a mem.Memset seam the same way the teacher's allocator.go depends on
// mem.Memset (and overrides it in tests via a function variable).
func Memset(addr uintptr, value byte, size uint32) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	for i := range b {
		b[i] = value
	}
}
