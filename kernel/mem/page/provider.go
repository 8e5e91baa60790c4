// Package page defines the page-provider contract both KMA policies are
// built against (spec's "page provider interface, external"), plus two
// reference implementations: PhysicalProvider, which sources pages from
// kernel/mem/physical's buddy-bitmap frame allocator, and ArenaProvider, a
// minimal single-arena provider used by the kma/rm and kma/bud test
// suites.
package page

import (
	"unsafe"

	"github.com/achilleasa/kma/kernel/errors"
	"github.com/achilleasa/kma/kernel/hal/memmap"
	"github.com/achilleasa/kma/kernel/mem"
	"github.com/achilleasa/kma/kernel/mem/physical"
)

// Page is a fixed-size, aligned page obtained from a Provider. Handle is
// opaque to the allocator policies; they store it and hand it back
// unmodified to Free.
type Page struct {
	Handle uintptr
	Base   uintptr
	Size   mem.Size
}

// Provider is the contract KMA policies consume to obtain and release
// PageSize-sized pages, independent of where those pages actually come
// from.
type Provider interface {
	// Alloc returns a new, zero-filled page.
	Alloc() (Page, *errors.KernelError)

	// Free returns p. After Free returns, p's memory must not be
	// referenced again.
	Free(p Page) *errors.KernelError

	// PageSize is the fixed size of every page this provider hands out.
	PageSize() mem.Size

	// BaseAddr returns the base of the page containing addr.
	BaseAddr(addr uintptr) uintptr
}

// PhysicalProvider implements Provider on top of a physical.PageAllocator,
// always requesting/releasing order(0) frames. kernel/mem/kma.New has no
// default provider; callers pass this one or any other Provider.
type PhysicalProvider struct {
	alloc *physical.PageAllocator
}

// NewPhysicalProvider creates a PhysicalProvider backed by a freshly
// initialized physical.PageAllocator managing an arena of arenaSize bytes
// starting at arenaBase. The caller owns the backing memory (typically a
// pinned Go byte slice). Init keeps its bitmaps in the arena's first page
// and only whole order(mem.MaxPageOrder) blocks past that page become
// allocatable, so Alloc only succeeds if arenaSize covers at least
// (1<<mem.MaxPageOrder)+1 pages.
func NewPhysicalProvider(arenaBase uintptr, arenaSize mem.Size) (*PhysicalProvider, *errors.KernelError) {
	memmap.SetRegions([]memmap.Region{{
		PhysAddress: arenaBase,
		Length:      uintptr(arenaSize),
		Type:        memmap.MemAvailable,
	}})

	alloc := &physical.PageAllocator{}
	if err := alloc.Init(arenaSize); err != nil {
		return nil, err
	}

	return &PhysicalProvider{alloc: alloc}, nil
}

func (p *PhysicalProvider) Alloc() (Page, *errors.KernelError) {
	addr, err := p.alloc.AllocatePage(0, physical.FlagClear)
	if err != nil {
		return Page{}, err
	}
	return Page{Handle: addr, Base: addr, Size: mem.PageSize}, nil
}

func (p *PhysicalProvider) Free(pg Page) *errors.KernelError {
	return p.alloc.FreePage(pg.Handle, 0)
}

func (p *PhysicalProvider) PageSize() mem.Size {
	return mem.PageSize
}

func (p *PhysicalProvider) BaseAddr(addr uintptr) uintptr {
	return mem.BaseAddr(addr)
}

// ArenaProvider is a minimal reference Provider: it owns one contiguous
// arena, carved into PageSize slices on demand, and recycles freed slices
// from a small stack. It exists for the same reason the teacher's
// allocator.go tests override memsetFn/visitMemRegionFn with plain
// function variables instead of exercising real hardware: kma/rm and
// kma/bud's tests need a Provider that works on the host without setting
// up a physical.PageAllocator.
type ArenaProvider struct {
	arena  []byte
	base   uintptr
	next   int
	recycl []uintptr
}

// NewArenaProvider allocates an arena capable of handing out pageCount
// pages of mem.PageSize bytes each.
func NewArenaProvider(pageCount int) *ArenaProvider {
	size := int(mem.PageSize) * pageCount
	arena := make([]byte, size)
	return &ArenaProvider{
		arena: arena,
		base:  uintptr(unsafe.Pointer(&arena[0])),
	}
}

func (p *ArenaProvider) Alloc() (Page, *errors.KernelError) {
	var addr uintptr
	if n := len(p.recycl); n > 0 {
		addr = p.recycl[n-1]
		p.recycl = p.recycl[:n-1]
	} else {
		offset := p.next * int(mem.PageSize)
		if offset+int(mem.PageSize) > len(p.arena) {
			errOOM := errors.ErrOutOfMemory
			return Page{}, &errOOM
		}
		addr = p.base + uintptr(offset)
		p.next++
	}

	mem.Memset(addr, 0, uint32(mem.PageSize))
	return Page{Handle: addr, Base: addr, Size: mem.PageSize}, nil
}

func (p *ArenaProvider) Free(pg Page) *errors.KernelError {
	p.recycl = append(p.recycl, pg.Handle)
	return nil
}

func (p *ArenaProvider) PageSize() mem.Size {
	return mem.PageSize
}

func (p *ArenaProvider) BaseAddr(addr uintptr) uintptr {
	if addr < p.base || addr >= p.base+uintptr(len(p.arena)) {
		return mem.BaseAddr(addr)
	}
	offset := (addr - p.base) / uintptr(mem.PageSize)
	return p.base + offset*uintptr(mem.PageSize)
}

// OutstandingPages reports how many pages are currently handed out but not
// yet freed, for use by tests checking the "page reclamation floor"
// property (spec.md §8, property 3).
func (p *ArenaProvider) OutstandingPages() int {
	return p.next - len(p.recycl)
}

// PtrSize is the size, in bytes, of a machine pointer — the unit the
// oversize fast path (spec.md §4.2) reserves to store the owning page's
// handle alongside the user's data.
const PtrSize = unsafe.Sizeof(uintptr(0))

// OversizeAlloc implements the shared oversize fast path used by both KMA
// policies when a request is too large for their managed in-page capacity:
// obtain a whole page, stamp its handle at offset 0, and return the
// address just past that word. It returns 0 if the provider is exhausted
// or the page cannot hold size bytes plus the handle word.
func OversizeAlloc(provider Provider, size uint32) uintptr {
	pg, err := provider.Alloc()
	if err != nil {
		return 0
	}
	if mem.Size(size)+mem.Size(PtrSize) > pg.Size {
		_ = provider.Free(pg)
		return 0
	}

	*(*uintptr)(unsafe.Pointer(pg.Base)) = pg.Handle
	return pg.Base + uintptr(PtrSize)
}

// OversizeFree implements the reverse of OversizeAlloc: read the handle
// word preceding ptr and return the whole page.
func OversizeFree(provider Provider, ptr uintptr) {
	base := ptr - uintptr(PtrSize)
	handle := *(*uintptr)(unsafe.Pointer(base))
	_ = provider.Free(Page{Handle: handle, Base: base, Size: provider.PageSize()})
}
