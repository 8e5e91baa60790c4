package bud

import (
	"testing"
	"unsafe"

	"github.com/achilleasa/kma/kernel/mem/page"
)

func unsafeBytes(addr uintptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}

func TestAllocateReturnsDistinctNonZeroAddresses(t *testing.T) {
	provider := page.NewArenaProvider(4)
	a := New(provider)

	p1 := a.Allocate(16)
	p2 := a.Allocate(64)

	if p1 == 0 || p2 == 0 {
		t.Fatalf("expected non-zero addresses, got %#x and %#x", p1, p2)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct addresses, both were %#x", p1)
	}
}

func TestAllocateWritableRange(t *testing.T) {
	provider := page.NewArenaProvider(2)
	a := New(provider)

	size := uint32(100)
	ptr := a.Allocate(size)
	if ptr == 0 {
		t.Fatal("allocate failed")
	}

	buf := unsafeBytes(ptr, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i, b := range buf {
		if b != byte(i) {
			t.Fatalf("byte %d: wrote %d, read back %d", i, byte(i), b)
		}
	}
}

func TestManyLiveAllocationsStayDistinct(t *testing.T) {
	provider := page.NewArenaProvider(4)
	a := New(provider)

	seen := map[uintptr]bool{}
	for i := 0; i < 20; i++ {
		p := a.Allocate(16)
		if p == 0 {
			t.Fatalf("allocation %d failed", i)
		}
		if seen[p] {
			t.Fatalf("address %#x handed out twice while still live", p)
		}
		seen[p] = true
	}
}

func TestFreeThenAllocateSameClassSucceeds(t *testing.T) {
	provider := page.NewArenaProvider(2)
	a := New(provider)

	p1 := a.Allocate(32)
	if p1 == 0 {
		t.Fatal("allocate failed")
	}
	a.Free(p1, 32)

	p2 := a.Allocate(32)
	if p2 == 0 {
		t.Fatal("expected the freed class-2 block to be reusable")
	}
}

func TestSplitCascadeServesEveryClass(t *testing.T) {
	provider := page.NewArenaProvider(4)
	a := New(provider)

	sizes := []uint32{8, 28, 60, 120, 250, 500, 1000, 2000, 4000}
	var ptrs []uintptr
	for _, s := range sizes {
		p := a.Allocate(s)
		if p == 0 {
			t.Fatalf("allocate(%d) failed", s)
		}
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		a.Free(p, sizes[i])
	}
}

func TestOversizeAllocateAndFree(t *testing.T) {
	provider := page.NewArenaProvider(3)
	a := New(provider)

	big := managedMax(provider.PageSize()) + 1
	ptr := a.Allocate(big)
	if ptr == 0 {
		t.Fatal("expected oversize allocation to succeed")
	}

	before := provider.OutstandingPages()
	a.Free(ptr, big)
	after := provider.OutstandingPages()
	if after != before-1 {
		t.Fatalf("expected oversize free to release exactly one page, before=%d after=%d", before, after)
	}
}

func TestGrowInstallsAnotherClassNineBlock(t *testing.T) {
	provider := page.NewArenaProvider(4)
	a := New(provider)

	// A request whose adjusted size exactly matches class 9's nominal
	// size is served straight from that class with no split cascade, so
	// consuming it twice in a row forces grow() to run once.
	fullClassNine := managedMax(provider.PageSize()) - tagSize

	p1 := a.Allocate(fullClassNine)
	if p1 == 0 {
		t.Fatal("expected the control page's class-9 block to satisfy the first request")
	}

	p2 := a.Allocate(fullClassNine)
	if p2 == 0 {
		t.Fatal("expected grow() to install a fresh class-9 block on a second page")
	}
	if p1 == p2 {
		t.Fatalf("expected the grown page's block at a different address, both were %#x", p1)
	}
}

func TestTeardownReclaimsAllPagesWhenAllocsReachesZero(t *testing.T) {
	provider := page.NewArenaProvider(4)
	a := New(provider)

	var ptrs []uintptr
	sizes := []uint32{16, 32, 64, 128, 256}
	for _, s := range sizes {
		p := a.Allocate(s)
		if p == 0 {
			t.Fatalf("allocate(%d) failed", s)
		}
		ptrs = append(ptrs, p)
	}

	for i, p := range ptrs {
		a.Free(p, sizes[i])
	}

	if outstanding := provider.OutstandingPages(); outstanding != 0 {
		t.Fatalf("expected every page reclaimed once allocs reaches zero, %d still outstanding", outstanding)
	}
}
