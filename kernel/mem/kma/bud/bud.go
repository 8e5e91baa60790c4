// Package bud implements the buddy KMA policy: ten segregated free lists
// (one per size class), a bitmap-driven buddy coalescer, and a split
// cascade that carves smaller classes out of larger ones on demand.
//
// It re-expresses original_source/kma_bud.c's get_free_block/add_to_free_
// list/update_bitmap/coalesce in the teacher kernel's idiom: free-list and
// page-list nodes are typed views (*pageHeader, *freeIndex) laid directly
// over provider memory via unsafe.Pointer, the same pattern
// kernel/mem/physical/allocator.go uses for its per-order bitmaps.
package bud

import (
	"unsafe"

	"github.com/achilleasa/kma/kernel/errors"
	"github.com/achilleasa/kma/kernel/kfmt/early"
	"github.com/achilleasa/kma/kernel/mem"
	"github.com/achilleasa/kma/kernel/mem/page"
)

// numClasses is the number of segregated size classes (spec's ten
// classes: 16, 32, ..., 4096, and the asymmetric top "remainder" class).
const numClasses = 10

// tagSize is the width of the in-band size tag written into the first
// word of every allocated block (kma_bud.c's "size += sizeof(int)").
const tagSize = 4

// pageHeader sits at offset 0 of every BUD-managed page.
type pageHeader struct {
	owner      uintptr
	next       uintptr
	dataOffset uint32
	bitmap     [128]byte
}

// freeIndex sits immediately after the pageHeader on the first (control)
// page only.
type freeIndex struct {
	allocs    int32
	classSize [numClasses]uint32
	head      [numClasses]uintptr
}

var (
	pageHeaderSize = unsafe.Sizeof(pageHeader{})
	freeIndexSize  = unsafe.Sizeof(freeIndex{})
)

// managedMax is MANAGED_MAX: the largest adjusted (size+tag) request a
// single page can ever serve, i.e. class 9's nominal size.
func managedMax(pageSize mem.Size) uint32 {
	return uint32(pageSize) - uint32(pageHeaderSize) - uint32(freeIndexSize)
}

func pageHeaderAt(base uintptr) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(base))
}

func freeIndexAt(controlBase uintptr) *freeIndex {
	return (*freeIndex)(unsafe.Pointer(controlBase + pageHeaderSize))
}

func readPtr(addr uintptr) uintptr     { return *(*uintptr)(unsafe.Pointer(addr)) }
func writePtr(addr uintptr, v uintptr) { *(*uintptr)(unsafe.Pointer(addr)) = v }
func readTag(addr uintptr) uint32      { return *(*uint32)(unsafe.Pointer(addr)) }
func writeTag(addr uintptr, v uint32)  { *(*uint32)(unsafe.Pointer(addr)) = v }

// Allocator implements the buddy allocator over a page.Provider. The zero
// value is ready to use; state is initialized lazily on first Allocate.
type Allocator struct {
	provider    page.Provider
	control     page.Page
	initialized bool
}

// New returns a buddy Allocator backed by provider.
func New(provider page.Provider) *Allocator {
	return &Allocator{provider: provider}
}

func (a *Allocator) fi() *freeIndex {
	return freeIndexAt(a.control.Base)
}

// ensureInit lazily sets up the first (control) page: its pageHeader, its
// freeIndex with the ten nominal class sizes, and the first free block
// (covering the rest of the page) on class 9's list.
func (a *Allocator) ensureInit() *errors.KernelError {
	if a.initialized {
		return nil
	}

	pg, err := a.provider.Alloc()
	if err != nil {
		return err
	}

	hdr := pageHeaderAt(pg.Base)
	hdr.owner = pg.Handle
	hdr.next = 0
	hdr.dataOffset = uint32(pageHeaderSize + freeIndexSize)
	for i := range hdr.bitmap {
		hdr.bitmap[i] = 0
	}

	fi := freeIndexAt(pg.Base)
	fi.allocs = 0
	classSz := uint32(16)
	for i := 0; i < numClasses-1; i++ {
		fi.classSize[i] = classSz
		fi.head[i] = 0
		classSz *= 2
	}
	fi.classSize[numClasses-1] = managedMax(pg.Size)
	fi.head[numClasses-1] = 0

	a.control = pg
	a.initialized = true

	firstBlock := pg.Base + uintptr(hdr.dataOffset)
	a.pushClass(numClasses-1, firstBlock)

	early.Printf("[kma_bud] initialized: control=%#x first block=%#x size=%d\n",
		pg.Base, firstBlock, fi.classSize[numClasses-1])
	return nil
}

// grow obtains a new managed page and installs its usable capacity as a
// fresh class-9 free block. Per spec.md's design note (and the original
// source's own comment to the same effect), the nominal size installed is
// classSize[9] — the same value used for the first page — even though a
// subsequent page, lacking a freeIndex of its own, actually has
// sizeof(freeIndex) more usable bytes; those extra bytes are deliberately
// left untracked so every class-9 node in the system shares one size,
// which invariant #2 (kernel/mem/kma/bud's bitmap-freelist consistency)
// requires.
func (a *Allocator) grow() *errors.KernelError {
	pg, err := a.provider.Alloc()
	if err != nil {
		return err
	}

	hdr := pageHeaderAt(pg.Base)
	hdr.owner = pg.Handle
	hdr.next = 0
	hdr.dataOffset = uint32(pageHeaderSize)
	for i := range hdr.bitmap {
		hdr.bitmap[i] = 0
	}

	cur := pageHeaderAt(a.control.Base)
	for cur.next != 0 {
		cur = pageHeaderAt(cur.next)
	}
	cur.next = pg.Base

	firstBlock := pg.Base + uintptr(hdr.dataOffset)
	a.pushClass(numClasses-1, firstBlock)

	early.Printf("[kma_bud] grew: new page %#x block %#x\n", pg.Base, firstBlock)
	return nil
}

// teardown walks the page list releasing every managed page, then resets
// the allocator to its uninitialized state. This is BUD's sole
// reclamation policy (spec.md §4.4/§9): it never frees an individual page
// early, only every page at once, once allocs reaches zero.
func (a *Allocator) teardown() {
	cur := a.control.Base
	for cur != 0 {
		hdr := pageHeaderAt(cur)
		next := hdr.next
		_ = a.provider.Free(page.Page{Handle: hdr.owner, Base: cur, Size: a.provider.PageSize()})
		cur = next
	}
	a.control = page.Page{}
	a.initialized = false
	early.Printf("[kma_bud] torn down\n")
}

func (a *Allocator) pushClass(classIdx int, addr uintptr) {
	fi := a.fi()
	writePtr(addr, fi.head[classIdx])
	fi.head[classIdx] = addr
}

func (a *Allocator) popClass(classIdx int) uintptr {
	fi := a.fi()
	addr := fi.head[classIdx]
	fi.head[classIdx] = readPtr(addr)
	return addr
}

// unlinkFromClass removes target from classIdx's free list if present,
// reporting whether it was found. The search walks only node != 0 for
// termination and compares addresses directly, fixing the conflated
// "off current page"/"end of list" termination spec.md §9 flags in the
// original coalesce().
func (a *Allocator) unlinkFromClass(classIdx int, target uintptr) bool {
	fi := a.fi()
	if fi.head[classIdx] == target {
		fi.head[classIdx] = readPtr(target)
		return true
	}
	prev := fi.head[classIdx]
	for prev != 0 {
		next := readPtr(prev)
		if next == target {
			writePtr(prev, readPtr(target))
			return true
		}
		prev = next
	}
	return false
}

func (a *Allocator) classIndexForSize(size uint32) (int, bool) {
	fi := a.fi()
	for i := 0; i < numClasses; i++ {
		if fi.classSize[i] == size {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) resolveClass(adjustedSize uint32) (int, bool) {
	fi := a.fi()
	for i := 0; i < numClasses; i++ {
		if fi.classSize[i] >= adjustedSize {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) findNonEmpty(idx int) (int, bool) {
	fi := a.fi()
	for i := idx; i < numClasses; i++ {
		if fi.head[i] != 0 {
			return i, true
		}
	}
	return 0, false
}

// splitCascade pops one node from class i and carves it down to class
// idx, pushing every intermediate buddy pair along the way. Class 9 is
// asymmetric (its nominal size is not 2*classSize[8]): splitting it only
// ever yields one class-8-sized node at the original address; the bytes
// beyond classSize[8] are not large enough to form a second class-8 node
// (classSize[9] < 2*classSize[8] given the control-structure overhead) and
// are left untracked, exactly as original_source/kma_bud.c's "special
// case, because bufsizes[9] != bufsizes[8]*2" comment describes.
func (a *Allocator) splitCascade(i, idx int) {
	for i > idx {
		node := a.popClass(i)
		if i == numClasses-1 {
			a.pushClass(i-1, node)
		} else {
			lowSize := a.fi().classSize[i-1]
			high := node + uintptr(lowSize)
			a.pushClass(i-1, high)
			a.pushClass(i-1, node)
		}
		i--
	}
}

// Allocate implements kma.Allocator.
func (a *Allocator) Allocate(size uint32) uintptr {
	adjusted := size + tagSize
	if adjusted > managedMax(a.provider.PageSize()) {
		return page.OversizeAlloc(a.provider, size)
	}

	if err := a.ensureInit(); err != nil {
		return 0
	}

	idx, ok := a.resolveClass(adjusted)
	if !ok {
		return 0
	}

	i, ok := a.findNonEmpty(idx)
	if !ok {
		if err := a.grow(); err != nil {
			return 0
		}
		i, ok = a.findNonEmpty(idx)
		if !ok {
			return 0
		}
	}

	a.splitCascade(i, idx)

	node := a.popClass(idx)
	classSz := a.fi().classSize[idx]
	writeTag(node, classSz)
	a.markBlock(node, classSz, true)
	a.fi().allocs++

	early.Printf("[kma_bud] allocate %d (class %d, size %d) at %#x\n", size, idx, classSz, node)
	return node + tagSize
}

// Free implements kma.Allocator.
func (a *Allocator) Free(ptr uintptr, size uint32) {
	if size+tagSize > managedMax(a.provider.PageSize()) {
		page.OversizeFree(a.provider, ptr)
		return
	}

	node := ptr - tagSize
	s := readTag(node)

	a.markBlock(node, s, false)

	mergedAddr, mergedSize := a.coalesce(node, s)

	if classIdx, ok := a.classIndexForSize(mergedSize); ok {
		a.pushClass(classIdx, mergedAddr)
	}

	fi := a.fi()
	fi.allocs--
	early.Printf("[kma_bud] freed %#x size=%d (merged to %d)\n", node, size, mergedSize)

	if fi.allocs <= 0 {
		a.teardown()
	}
}

// coalesce repeatedly merges addr/size with its buddy while a larger class
// exists (spec.md §4.4's "while s < class_size[9]/2" loop, restated as
// "2*s <= class_size[9]" to avoid integer-division edge cases) and the
// buddy is entirely free per the bitmap and actually present on its class
// free list.
func (a *Allocator) coalesce(addr uintptr, size uint32) (uintptr, uint32) {
	classTop := a.fi().classSize[numClasses-1]

	for 2*size <= classTop {
		pageBase := a.provider.BaseAddr(addr)
		hdr := pageHeaderAt(pageBase)
		offset := uint32(addr-pageBase) - hdr.dataOffset

		var buddy uintptr
		if (offset/size)%2 == 0 {
			buddy = addr + uintptr(size)
		} else {
			buddy = addr - uintptr(size)
		}
		buddyOffset := uint32(buddy-pageBase) - hdr.dataOffset

		if bitmapAnySet(hdr, buddyOffset, size) {
			break
		}

		classIdx, ok := a.classIndexForSize(size)
		if !ok {
			break
		}
		if !a.unlinkFromClass(classIdx, buddy) {
			break
		}

		if buddy < addr {
			addr = buddy
		}
		size *= 2
	}

	return addr, size
}

// markBlock sets or clears the bitmap bits covering a size-byte block
// starting at node, which must lie in some page managed by a.
func (a *Allocator) markBlock(node uintptr, size uint32, on bool) {
	pageBase := a.provider.BaseAddr(node)
	hdr := pageHeaderAt(pageBase)
	offset := uint32(node-pageBase) - hdr.dataOffset
	setBitmapRange(hdr, offset, size, on)
}

// setBitmapRange implements spec.md §4.5's mark(): one bit per 16-byte
// unit, MSB-first within each byte (bit k lives at bitmap[k/8], mask
// 1<<(7-k%8)). offset and size must be multiples of 16.
func setBitmapRange(hdr *pageHeader, offset, size uint32, on bool) {
	start := offset / 16
	end := start + size/16
	for k := start; k < end; k++ {
		mask := byte(1 << (7 - k%8))
		if on {
			hdr.bitmap[k/8] |= mask
		} else {
			hdr.bitmap[k/8] &^= mask
		}
	}
}

// bitmapAnySet reports whether any bit covering a size-byte block at
// offset is set, i.e. whether any part of that range is still allocated.
func bitmapAnySet(hdr *pageHeader, offset, size uint32) bool {
	start := offset / 16
	end := start + size/16
	for k := start; k < end; k++ {
		if hdr.bitmap[k/8]&(1<<(7-k%8)) != 0 {
			return true
		}
	}
	return false
}
