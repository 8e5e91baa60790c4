// Package rm implements the resource-map KMA policy: a single, globally
// address-ordered free list of variable-sized runs, served first-fit, with
// neighbor coalescing and per-page reclamation on free.
//
// It is a direct re-expression of original_source/kma_rm.c's kma_malloc/
// kma_free/coalesce/attempt_to_free_pages in the teacher kernel's idiom:
// headers live inside the memory they describe and are reached through
// unsafe.Pointer/uintptr views rather than a parallel bookkeeping
// structure, the same way kernel/mem/physical/allocator.go reinterprets
// raw addresses as bitmap slices.
package rm

import (
	"unsafe"

	"github.com/achilleasa/kma/kernel/errors"
	"github.com/achilleasa/kma/kernel/kfmt/early"
	"github.com/achilleasa/kma/kernel/mem"
	"github.com/achilleasa/kma/kernel/mem/page"
)

// header is the in-place FreeRun header: size is the run's payload
// capacity (excluding the header itself), next is the address of the
// following list node or 0.
type header struct {
	size uint64
	next uintptr
}

// headerSize is sizeof(header_t) from kma_rm.c.
const headerSize = unsafe.Sizeof(header{})

// Allocator implements a resource-map allocator over a page.Provider. The
// zero value is ready to use; state is initialized lazily on first
// Allocate, per spec.
type Allocator struct {
	provider    page.Provider
	control     page.Page
	initialized bool
}

// New returns a resource-map Allocator backed by provider.
func New(provider page.Provider) *Allocator {
	return &Allocator{provider: provider}
}

func readHeader(addr uintptr) header    { return *(*header)(unsafe.Pointer(addr)) }
func writeHeader(addr uintptr, h header) { *(*header)(unsafe.Pointer(addr)) = h }
func readPtr(addr uintptr) uintptr       { return *(*uintptr)(unsafe.Pointer(addr)) }
func writePtr(addr uintptr, v uintptr)   { *(*uintptr)(unsafe.Pointer(addr)) = v }

// managedMax returns MANAGED_MAX for a page of the given size: the
// largest payload a single fresh page can hold once the owner
// back-pointer and one run header are carved out of it.
func managedMax(pageSize mem.Size) uint32 {
	return uint32(pageSize) - uint32(headerSize) - uint32(page.PtrSize)
}

func (a *Allocator) head() uintptr {
	return readPtr(a.control.Base)
}

func (a *Allocator) setHead(v uintptr) {
	writePtr(a.control.Base, v)
}

// ensureInit performs the lazy setup spec.md §4.3 describes: obtain the
// control page (holding only the list head pointer) and one data page
// whose entire usable capacity becomes the first free run.
func (a *Allocator) ensureInit() *errors.KernelError {
	if a.initialized {
		return nil
	}

	control, err := a.provider.Alloc()
	if err != nil {
		return err
	}

	dataPage, err := a.provider.Alloc()
	if err != nil {
		_ = a.provider.Free(control)
		return err
	}

	writePtr(dataPage.Base, dataPage.Handle)
	runAddr := dataPage.Base + uintptr(page.PtrSize)
	writeHeader(runAddr, header{size: uint64(managedMax(dataPage.Size)), next: 0})

	a.control = control
	writePtr(a.control.Base, runAddr)
	a.initialized = true

	early.Printf("[kma_rm] initialized: control=%#x data=%#x run=%#x size=%d\n",
		control.Base, dataPage.Base, runAddr, managedMax(dataPage.Size))
	return nil
}

// Allocate implements kma.Allocator.
func (a *Allocator) Allocate(size uint32) uintptr {
	if size > managedMax(a.provider.PageSize()) {
		return page.OversizeAlloc(a.provider, size)
	}

	if err := a.ensureInit(); err != nil {
		return 0
	}

	if addr, ok := a.tryAllocate(size); ok {
		return addr
	}

	if err := a.grow(); err != nil {
		return 0
	}

	addr, ok := a.tryAllocate(size)
	if !ok {
		// Reached when size is within headerSize of managedMax: a run
		// must hold size+headerSize bytes, more than a freshly grown
		// page's managedMax-byte run. The grown page stays on the free
		// list.
		return 0
	}
	return addr
}

// tryAllocate performs the first-fit scan and split described in spec.md
// §4.3, without growing the backing store.
func (a *Allocator) tryAllocate(size uint32) (uintptr, bool) {
	need := uint64(size) + uint64(headerSize)

	var prev uintptr
	curr := a.head()
	for curr != 0 {
		h := readHeader(curr)
		if uint64(h.size) >= need {
			addr := curr + headerSize
			residual := uint64(h.size) - need

			if residual == 0 {
				a.unlink(prev, curr, h.next)
			} else {
				newHeaderAddr := addr + uintptr(size)
				writeHeader(newHeaderAddr, header{size: residual, next: h.next})
				a.relink(prev, curr, newHeaderAddr)
			}

			early.Printf("[kma_rm] allocate %d at %#x\n", size, addr)
			return addr, true
		}
		prev = curr
		curr = h.next
	}
	return 0, false
}

// unlink removes the node at addr from the list, given its predecessor
// (0 if addr is the head) and its successor.
func (a *Allocator) unlink(prev, addr, next uintptr) {
	if prev == 0 {
		a.setHead(next)
		return
	}
	ph := readHeader(prev)
	ph.next = next
	writeHeader(prev, ph)
}

// relink re-points prev's next field (or the list head) from addr to
// newAddr.
func (a *Allocator) relink(prev, addr, newAddr uintptr) {
	if prev == 0 {
		a.setHead(newAddr)
		return
	}
	ph := readHeader(prev)
	ph.next = newAddr
	writeHeader(prev, ph)
}

// grow obtains a new data page and appends its entire capacity as a new
// free run at the tail of the list, per spec.md §4.3's miss path.
func (a *Allocator) grow() *errors.KernelError {
	dataPage, err := a.provider.Alloc()
	if err != nil {
		return err
	}

	writePtr(dataPage.Base, dataPage.Handle)
	runAddr := dataPage.Base + uintptr(page.PtrSize)
	writeHeader(runAddr, header{size: uint64(managedMax(dataPage.Size)), next: 0})

	head := a.head()
	if head == 0 {
		a.setHead(runAddr)
		early.Printf("[kma_rm] grew: new page %#x run %#x (new head)\n", dataPage.Base, runAddr)
		return nil
	}

	curr := head
	for {
		h := readHeader(curr)
		if h.next == 0 {
			h.next = runAddr
			writeHeader(curr, h)
			break
		}
		curr = h.next
	}
	early.Printf("[kma_rm] grew: new page %#x run %#x (appended)\n", dataPage.Base, runAddr)
	return nil
}

// Free implements kma.Allocator.
func (a *Allocator) Free(ptr uintptr, size uint32) {
	if size > managedMax(a.provider.PageSize()) {
		page.OversizeFree(a.provider, ptr)
		return
	}

	freedAddr := ptr - headerSize
	writeHeader(freedAddr, header{size: uint64(size), next: 0})

	a.insert(freedAddr)
	a.coalesce()
	a.reclaim()
}

// insert splices freedAddr into the global address-ordered free list. This
// always finds a position — even when no list node shares a page with
// freedAddr — fixing the dropped-block behavior spec.md §9 flags in the
// original kma_rm.c (its scan only considered same-page neighbors and
// silently discarded the block otherwise).
func (a *Allocator) insert(freedAddr uintptr) {
	var prev uintptr
	curr := a.head()
	for curr != 0 && curr < freedAddr {
		prev = curr
		curr = readHeader(curr).next
	}

	h := readHeader(freedAddr)
	h.next = curr
	writeHeader(freedAddr, h)

	if prev == 0 {
		a.setHead(freedAddr)
	} else {
		ph := readHeader(prev)
		ph.next = freedAddr
		writeHeader(prev, ph)
	}

	early.Printf("[kma_rm] freed %#x size=%d\n", freedAddr, h.size)
}

// coalesce merges adjacent, same-page runs. It rechecks the current node
// after every merge instead of advancing, matching the original
// coalesce()'s behavior so that chains of three or more abutting runs
// fully collapse in one free() call (spec.md §9 design note).
func (a *Allocator) coalesce() {
	curr := a.head()
	for curr != 0 {
		h := readHeader(curr)
		if h.next == 0 {
			break
		}

		next := h.next
		if a.provider.BaseAddr(curr) == a.provider.BaseAddr(next) && curr+headerSize+uintptr(h.size) == next {
			nh := readHeader(next)
			merged := header{size: h.size + uint64(headerSize) + nh.size, next: nh.next}
			writeHeader(curr, merged)
			early.Printf("[kma_rm] coalesced %#x and %#x\n", curr, next)
			continue
		}

		curr = next
	}
}

// reclaim releases every wholly-free data page back to the provider, and
// tears the allocator down entirely once the last data page (and then the
// control page) is gone, per spec.md §4.3 and §9.
func (a *Allocator) reclaim() {
	full := uint64(managedMax(a.provider.PageSize()))

	var prev uintptr
	curr := a.head()
	for curr != 0 {
		h := readHeader(curr)
		next := h.next

		if h.size == full {
			a.unlink(prev, curr, next)

			pageBase := a.provider.BaseAddr(curr)
			handle := readPtr(pageBase)
			_ = a.provider.Free(page.Page{Handle: handle, Base: pageBase, Size: a.provider.PageSize()})

			curr = next
			continue
		}

		prev = curr
		curr = next
	}

	if a.head() == 0 {
		_ = a.provider.Free(a.control)
		a.control = page.Page{}
		a.initialized = false
	}
}
