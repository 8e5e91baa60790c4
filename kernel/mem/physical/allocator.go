// Package physical adapts the teacher kernel's buddy-bitmap physical page
// frame allocator (kernel/mem/physical/allocator.go in
// github.com/achilleasa/gopher-os) to this module's domain: instead of
// reading a multiboot memory map describing real RAM, it reads region
// descriptors from kernel/hal/memmap describing whatever backing arena the
// caller (typically kernel/mem/page.PhysicalProvider) has set aside.
//
// The allocator still tracks free pages at every order from 0 up to
// MaxPageOrder using one bitmap per order, same as the teacher: an order(0)
// allocation request that finds no free order(0) page splits the first
// free page at a higher order down, propagating bitmap updates both to the
// orders below (the newly split halves) and above (whether the parent
// blocks are now fully allocated). This module's KMA policies only ever
// request order(0) frames, but the split/merge ladder is retained in full
// since an order(0)-only caller still exercises every rung of it.
package physical

import (
	"math"
	"reflect"
	"unsafe"

	"github.com/achilleasa/kma/kernel/errors"
	"github.com/achilleasa/kma/kernel/hal/memmap"
	"github.com/achilleasa/kma/kernel/mem"
)

// Flag controls whether AllocatePage clears the page it returns.
type Flag uint16

const (
	// FlagClear instructs the allocator to clear the page contents.
	FlagClear Flag = 1 << iota

	// FlagDoNotClear instructs the allocator not to clear the page contents.
	FlagDoNotClear
)

type reservationMode uint8

const (
	markFree     reservationMode = 0
	markReserved reservationMode = 1
)

// PageAllocator implements a physical frame allocator that tracks free
// pages across every order using segregated bitmaps, with neighbor
// coalescing driven entirely by the bitmaps (no free-list pointers).
type PageAllocator struct {
	// base is the first page boundary past the bitmaps that Init stores
	// at the start of the region it picks for them. The teacher's
	// original bitmapIndex worked directly off absolute physical
	// addresses, which are small integers near zero on real hardware;
	// this module's "physical" memory is instead a slice of the Go heap,
	// whose addresses can be arbitrarily large, so every bit index is
	// computed relative to base instead.
	base uintptr

	// freeCount stores the number of free pages for each allocation order.
	freeCount [mem.MaxPageOrder + 1]uint32

	// freeBitmap stores the free page bitmap data for each allocation
	// order, one bit per page at that order.
	freeBitmap [mem.MaxPageOrder + 1][]uint64

	// bitmapSlice backs the freeBitmap entries; populated in two passes,
	// first with Len/Cap, then with Data once a backing region is found.
	bitmapSlice [mem.MaxPageOrder + 1]reflect.SliceHeader
}

// Init bootstraps the allocator over the regions currently registered with
// kernel/hal/memmap. It estimates the bitmap space required for
// totalMemory, scans the registered regions for a block large enough to
// hold it, and then marks every order(MaxPageOrder) block covered by an
// available region as free.
func (alloc *PageAllocator) Init(totalMemory mem.Size) *errors.KernelError {
	var alignment = 8 * mem.Byte

	alloc.setBitmapSizes(totalMemory.Pages())

	var requiredSpace uint64
	for _, slice := range alloc.bitmapSlice {
		requiredSpace += uint64(slice.Len << 3)
	}

	var foundRegion bool
	var alignedBitmapAddr uint64
	memmap.VisitRegions(func(entry *memmap.Region) bool {
		if foundRegion || entry.Type != memmap.MemAvailable {
			return true
		}

		alignedAddr := mem.Align(entry.PhysAddress, alignment)
		if uint64(entry.Length)-(uint64(alignedAddr)-uint64(entry.PhysAddress)) < requiredSpace {
			return true
		}

		foundRegion = true
		alignedBitmapAddr = uint64(alignedAddr)
		alloc.base = mem.Align(alignedAddr+uintptr(requiredSpace), mem.PageSize)
		return false
	})

	if !foundRegion {
		errOOM := errors.ErrOutOfMemory
		return &errOOM
	}

	alloc.setBitmapPointers(uintptr(alignedBitmapAddr))

	mem.Memset(uintptr(alignedBitmapAddr), 0xFF, uint32(requiredSpace))

	maxOrderPageSize := uint64(mem.PageSize) << mem.MaxPageOrder
	memmap.VisitRegions(func(entry *memmap.Region) bool {
		if entry.Type != memmap.MemAvailable {
			return true
		}

		alignedAddr := mem.Align(entry.PhysAddress, alignment)
		if uint64(alignedAddr) == alignedBitmapAddr {
			alignedAddr = mem.Align(alignedAddr+uintptr(requiredSpace), mem.PageSize)
		}
		regionLen := uint64(entry.Length) - (uint64(alignedAddr) - uint64(entry.PhysAddress))

		pageBlocks := regionLen / maxOrderPageSize
		for index := uint64(0); index < pageBlocks; index++ {
			blockAddr := uint64(alignedAddr) + (index * maxOrderPageSize)
			bitIndex := alloc.bitmapIndex(uintptr(blockAddr), mem.MaxPageOrder)
			block := bitIndex >> 6
			blockOffset := bitIndex & 63

			alloc.freeBitmap[mem.MaxPageOrder][block] &^= (1 << (63 - blockOffset))
			alloc.freeCount[mem.MaxPageOrder]++
		}
		return true
	})

	return nil
}

// AllocatePage allocates a page at the given order and returns its address,
// or an error if no free page is available.
func (alloc *PageAllocator) AllocatePage(order mem.PageOrder, flags Flag) (uintptr, *errors.KernelError) {
	if order > mem.MaxPageOrder {
		return uintptr(0), &errors.ErrInvalidParamValue
	}

	if alloc.freeCount[order] == 0 {
		if err := alloc.splitHigherOrderPage(order); err != nil {
			return uintptr(0), err
		}
	}

	addr, _ := alloc.reserveFreePage(order)

	alloc.updateLowerOrderBitmaps(addr, order, markReserved)
	alloc.updateHigherOrderBitmaps(addr, order)

	if (flags & (FlagClear | FlagDoNotClear)) == FlagClear {
		mem.Memset(addr, 0, uint32(mem.PageSize)<<order)
	}

	return addr, nil
}

// FreePage releases a previously allocated page at the given order.
func (alloc *PageAllocator) FreePage(addr uintptr, order mem.PageOrder) *errors.KernelError {
	if order > mem.MaxPageOrder {
		return &errors.ErrInvalidParamValue
	}

	bitIndex := alloc.bitmapIndex(addr, order)
	block := bitIndex >> 6
	mask := uint64(1 << (63 - (bitIndex & 63)))
	if alloc.freeBitmap[order][block]&mask != mask {
		return &errors.ErrPageNotAllocated
	}

	alloc.freeBitmap[order][block] &^= mask
	alloc.freeCount[order]++

	alloc.updateLowerOrderBitmaps(addr, order, markFree)
	alloc.updateHigherOrderBitmaps(addr, order)

	return nil
}

// splitHigherOrderPage searches for the first available page with order
// greater than the requested order, reserves it, and credits the orders
// below it with the resulting free pages.
func (alloc *PageAllocator) splitHigherOrderPage(order mem.PageOrder) *errors.KernelError {
	for order = order + 1; order <= mem.MaxPageOrder; order++ {
		if alloc.freeCount[order] == 0 {
			continue
		}

		addr, _ := alloc.reserveFreePage(order)
		alloc.updateLowerOrderBitmaps(addr, order, markFree)
		return nil
	}

	errOOM := errors.ErrOutOfMemory
	return &errOOM
}

// reserveFreePage scans the free page bitmap for the given order, reserves
// the first available page and returns its address.
func (alloc *PageAllocator) reserveFreePage(order mem.PageOrder) (uintptr, *errors.KernelError) {
	if order > mem.MaxPageOrder {
		return uintptr(0), &errors.ErrInvalidParamValue
	}

	for blockIndex, block := range alloc.freeBitmap[order] {
		if block == math.MaxUint64 {
			continue
		}

		for bitIndex := uint8(0); bitIndex < 64; bitIndex++ {
			mask := uint64(1 << (63 - bitIndex))

			if (block & mask) != 0 {
				continue
			}

			alloc.freeBitmap[order][blockIndex] |= mask
			alloc.freeCount[order]--

			return alloc.base + uintptr(mem.PageSize)*((uintptr(blockIndex)<<6)+uintptr(bitIndex)), nil
		}
	}

	errOOM := errors.ErrOutOfMemory
	return uintptr(0), &errOOM
}

// updateLowerOrderBitmaps hierarchically traverses the bitmaps below order
// and sets or clears the bits covering addr's block, depending on mode.
func (alloc *PageAllocator) updateLowerOrderBitmaps(addr uintptr, order mem.PageOrder, mode reservationMode) {
	if order == 0 {
		return
	}
	order--

	var (
		firstBitIndex                     = alloc.bitmapIndex(addr, order)
		totalBitCount              uint32 = 2
		bitsToChange, lastBitIndex uint32
	)

	for {
		lastBitIndex = firstBitIndex + totalBitCount
		for bitIndex := firstBitIndex; bitIndex < lastBitIndex; bitIndex += bitsToChange {
			block := bitIndex >> 6
			blockOffset := bitIndex & 63

			bitsToChange = lastBitIndex - bitIndex
			if bitsToChange > 64 {
				bitsToChange = 64
			}

			blockMask := uint64(((1 << (bitsToChange)) - 1) << (64 - blockOffset - bitsToChange))

			if mode == markReserved {
				alloc.freeBitmap[order][block] |= blockMask
			} else {
				alloc.freeBitmap[order][block] &^= blockMask
			}
		}

		switch {
		case mode == markReserved && alloc.freeCount[order] >= totalBitCount:
			alloc.freeCount[order] -= totalBitCount
		case mode == markFree:
			alloc.freeCount[order] += totalBitCount
		}

		firstBitIndex <<= 1
		totalBitCount <<= 1

		if order == 0 {
			break
		}
		order--
	}
}

// updateHigherOrderBitmaps hierarchically traverses the bitmaps above
// order, setting each parent bit to the OR of its two child bits.
func (alloc *PageAllocator) updateHigherOrderBitmaps(addr uintptr, order mem.PageOrder) {
	if order > mem.MaxPageOrder {
		return
	}

	if order == 0 {
		order++
	}

	var bitIndex, block, childBitIndex, childBlock uint32
	var blockMask, childBlockMask uint64
	var wasReserved bool
	for bitIndex = alloc.bitmapIndex(addr, order); order <= mem.MaxPageOrder; order, bitIndex = order+1, bitIndex>>1 {
		block = bitIndex >> 6
		blockMask = 1 << (63 - (bitIndex & 63))
		wasReserved = (alloc.freeBitmap[order][block] & blockMask) == blockMask

		childBitIndex = (bitIndex << 1) + 1
		childBlock = childBitIndex >> 6
		childBlockMask = 3 << (63 - (childBitIndex & 63))

		switch alloc.freeBitmap[order-1][childBlock] & childBlockMask {
		case 0:
			alloc.freeBitmap[order][block] &^= blockMask

			if wasReserved {
				alloc.freeCount[order]++
			}
		default:
			alloc.freeBitmap[order][block] |= blockMask

			if !wasReserved {
				alloc.freeCount[order]--
			}
		}
	}
}

// incFreeCountForLowerOrders credits the free counters for every order
// below order when a free page at order is reserved for splitting.
func (alloc *PageAllocator) incFreeCountForLowerOrders(order mem.PageOrder) {
	if order > mem.MaxPageOrder {
		return
	}

	freeCount := uint32(2)
	if order == 0 {
		return
	}
	for order = order - 1; ; freeCount = freeCount << 1 {
		alloc.freeCount[order] += freeCount
		if order == 0 {
			break
		}
		order--
	}
}

// setBitmapSizes updates the Len/Cap fields of the allocator's bitmap slice
// headers to the number of bits required for pageCount pages at each order.
func (alloc *PageAllocator) setBitmapSizes(pageCount uint32) {
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		required := requiredUint64(pageCount, order)
		alloc.bitmapSlice[order].Cap, alloc.bitmapSlice[order].Len = required, required
	}
}

// setBitmapPointers points each bitmap slice's Data field at a 8-byte
// aligned offset after baseAddr, laying the per-order bitmaps out
// contiguously.
func (alloc *PageAllocator) setBitmapPointers(baseAddr uintptr) {
	var dataPtr = baseAddr
	for ord := mem.PageOrder(0); ord <= mem.MaxPageOrder; ord++ {
		alloc.bitmapSlice[ord].Data = dataPtr
		alloc.freeBitmap[ord] = *(*[]uint64)(unsafe.Pointer(&alloc.bitmapSlice[ord]))

		dataPtr += uintptr(alloc.bitmapSlice[ord].Len << 3)
	}
}

// bitmapIndex returns the bit index, in the bitmap for order, of the page
// located at addr. Indices are relative to alloc.base rather than absolute,
// since addr is a Go heap address rather than a small real physical one.
func (alloc *PageAllocator) bitmapIndex(addr uintptr, order mem.PageOrder) uint32 {
	return uint32((addr - alloc.base) >> (mem.PageShift + uintptr(order)))
}

// requiredUint64 returns the number of uint64 words needed to store a
// free-page bitmap at the given order for pageCount pages.
func requiredUint64(pageCount uint32, order mem.PageOrder) int {
	requiredBits := uint64((pageCount >> order) + (pageCount & ((1 << order) - 1)))
	return int(mem.Align(uintptr(requiredBits), 64*mem.Byte) >> 6)
}
