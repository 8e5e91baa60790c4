// Package kma defines the shared allocator contract both policies satisfy
// and the top-level constructor that wires a policy to a page.Provider.
// The original C skeleton (original_source/kma_rm.c, kma_bud.c) shares a
// single kma.h signature across both policies, selected at build time by
// a KMA_RM/KMA_BUD #define; this package is that shared contract expressed
// as a Go interface and a runtime Policy switch instead of a build-time
// file selection, which spec.md explicitly keeps out of the allocator
// core.
package kma

import (
	"github.com/achilleasa/kma/kernel/kfmt/early"
	"github.com/achilleasa/kma/kernel/mem/kma/bud"
	"github.com/achilleasa/kma/kernel/mem/kma/rm"
	"github.com/achilleasa/kma/kernel/mem/page"
)

// Allocator is the contract both policies implement: allocate a block of
// the given byte size, or free a block given its address and its original
// size.
type Allocator interface {
	// Allocate returns the address of a new size-byte block, or 0 if the
	// request cannot be satisfied (oversize rejection or provider
	// exhaustion).
	Allocate(size uint32) uintptr

	// Free releases a block previously returned by Allocate. size MUST
	// equal the size originally passed to Allocate; behavior is
	// undefined otherwise, per spec.
	Free(ptr uintptr, size uint32)
}

// Policy selects which allocation strategy New wires up.
type Policy int

const (
	// RM selects the resource-map (single free-list, first-fit) policy.
	RM Policy = iota
	// BUD selects the segregated-free-list buddy policy.
	BUD
)

// New constructs an Allocator implementing policy, backed by provider.
// Per spec.md's "Global mutable state" design note, the returned
// Allocator owns its entire state; nothing here is a package-level
// singleton, so multiple independently-provisioned allocators can coexist
// in the same process.
func New(policy Policy, provider page.Provider) Allocator {
	if policy == BUD {
		return bud.New(provider)
	}
	return rm.New(provider)
}

// SetTraceWriter toggles the DEBUG-style trace output both kma/rm and
// kma/bud emit via kernel/kfmt/early, mirroring the `if (DEBUG) printf(...)`
// calls the original kma_rm.c/kma_bud.c gate behind a compile-time flag.
func SetTraceWriter(w traceWriter) {
	if w == nil {
		early.SetWriter(nil)
		return
	}
	early.SetWriter(w)
}

// traceWriter is the minimal sink SetTraceWriter accepts; satisfied by
// io.Writer so callers can pass os.Stderr, a bytes.Buffer, etc. directly
// without this package importing io just for the interface name.
type traceWriter interface {
	Write(p []byte) (int, error)
}
