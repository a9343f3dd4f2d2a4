// Package vmem implements VMMemory (spec §4.C): the guest's virtual
// address space layered over a physmem.Arena and an internal.paging
// 4-level page table rooted in that same arena.
package vmem

import (
	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/paging"
	"github.com/kvmfuzz/kvmfuzz/internal/physmem"
)

// VMMemory owns one physical arena and the root frame of its page tables.
type VMMemory struct {
	Arena     *physmem.Arena
	PML4Frame uint64
}

// New allocates an arena of size bytes and a fresh, empty root page table.
func New(size uint64) (*VMMemory, error) {
	arena, err := physmem.NewArena(size)
	if err != nil {
		return nil, err
	}
	root, ok := arena.AllocateFrame()
	if !ok {
		return nil, kverrors.OutOfMemory(physmem.PageSize, arena.Size())
	}
	zero := make([]byte, physmem.PageSize)
	if err := arena.WriteAt(root, zero); err != nil {
		return nil, err
	}
	return &VMMemory{Arena: arena, PML4Frame: root}, nil
}

// Mmap requires va page-aligned; allocates one frame per page across
// [va, va+size) and installs PTEs with perms. Fails on collision or
// allocator exhaustion; on failure no further pages beyond the failing
// one are installed (the pages already installed before the failure are
// not rolled back, matching a bump allocator's "free is a no-op" model).
func (m *VMMemory) Mmap(va uint64, size uint64, perms paging.Perms) error {
	if paging.VirtAddr(va).PageOffset() != 0 {
		return kverrors.AddressUnmapped(va) // misaligned request, surfaced the same as unmapped
	}
	pages := (size + physmem.PageSize - 1) / physmem.PageSize
	for i := uint64(0); i < pages; i++ {
		pageVA := va + i*physmem.PageSize
		frame, ok := m.Arena.AllocateFrame()
		if !ok {
			return kverrors.OutOfMemory(physmem.PageSize, m.Arena.Size())
		}
		if err := paging.MapPage(m.Arena, m.Arena, m.PML4Frame, paging.VirtAddr(pageVA), frame, perms); err != nil {
			return err
		}
	}
	return nil
}

// IsMapped reports whether the page containing va has a present PTE.
func (m *VMMemory) IsMapped(va uint64) (bool, error) {
	return paging.IsMapped(m.Arena, m.PML4Frame, paging.VirtAddr(va))
}

// Read walks [va, va+len(out)) page by page, translating each page to a
// physical address and copying the relevant slice. Fails atomically: on
// the first unmapped page, no bytes already copied into out are
// meaningful to the caller (the safer contract for a fuzz target, per
// spec §4.C).
func (m *VMMemory) Read(va uint64, out []byte) error {
	return m.walk(va, uint64(len(out)), func(pa uint64, dst, length int) error {
		return m.Arena.ReadAt(pa, out[dst:dst+length])
	})
}

// Write is the Read-dual: copies in into [va, va+len(in)). No-op on
// failure: the whole range is translated up front, so a write spanning
// a mapped page followed by an unmapped one never mutates the mapped
// page's bytes.
func (m *VMMemory) Write(va uint64, in []byte) error {
	if err := m.validate(va, uint64(len(in))); err != nil {
		return err
	}
	return m.walk(va, uint64(len(in)), func(pa uint64, src, length int) error {
		return m.Arena.WriteAt(pa, in[src:src+length])
	})
}

// validate walks [va, va+size) translating every page without mutating
// memory, surfacing the same unmapped-page error Write's real walk would
// hit, but before any byte is written.
func (m *VMMemory) validate(va uint64, size uint64) error {
	return m.walk(va, size, func(pa uint64, bufOff, length int) error { return nil })
}

// walk iterates the page range covering [va, va+size), translating each
// page and invoking fn(pa, bufOffset, length) for the prefix/middle/suffix
// slice within that page.
func (m *VMMemory) walk(va uint64, size uint64, fn func(pa uint64, bufOff int, length int) error) error {
	remaining := size
	cur := va
	bufOff := 0
	for remaining > 0 {
		pageVA := cur &^ uint64(physmem.PageSize-1)
		pageOff := cur - pageVA
		chunk := uint64(physmem.PageSize) - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		pa, ok, err := paging.Translate(m.Arena, m.PML4Frame, paging.VirtAddr(pageVA))
		if err != nil {
			return err
		}
		if !ok {
			return kverrors.AddressUnmapped(cur)
		}
		if err := fn(pa+pageOff, bufOff, int(chunk)); err != nil {
			return err
		}
		cur += chunk
		bufOff += int(chunk)
		remaining -= chunk
	}
	return nil
}

// Clone produces an independent copy of the arena and a freshly
// consistent page table pointing at the new arena's frames (the root
// frame number and every intermediate/terminal frame number are
// unchanged, because Arena.Clone preserves byte-for-byte physical
// offsets). Used by VM fork (§4.E).
func (m *VMMemory) Clone() (*VMMemory, error) {
	arenaClone, err := m.Arena.Clone()
	if err != nil {
		return nil, err
	}
	return &VMMemory{Arena: arenaClone, PML4Frame: m.PML4Frame}, nil
}
