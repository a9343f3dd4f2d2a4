// Package paging implements standard x86-64 4-level paging (spec §4.B):
// PML4 -> PDPT -> PD -> PT, with PAE/long-mode permission bits and frame
// allocation on demand for intermediate tables. Walking a virtual range
// page by page is done by internal/vmem.
//
// PTE bit layout is grounded on the constants used throughout the example
// pack's own kernel-adjacent code (Physmem_t/PTE_* in
// biscuit/src/mem/mem.go, and PageTableEntry in
// internal/runtime/kernel/vmm.go); this module implements the full
// 4-level walk neither of those sources modeled on their own.
package paging

import (
	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/physmem"
)

// PTE bit positions, standard x86-64 long-mode page table entry layout.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEHuge     uint64 = 1 << 7 // only meaningful at PDPT/PD level
	PTENoExec   uint64 = 1 << 63

	pteAddrMask uint64 = 0x000f_ffff_ffff_f000
)

// Perms is the guest-facing permission bitfield requested by a caller of
// VMMemory.mmap; the writable and executable bits are propagated to the
// terminal PTE (spec §4.B).
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExecute
)

const entriesPerTable = 512

// VirtAddr is a canonical 64-bit guest virtual address, decomposable into
// its four page-table indices and a page offset.
type VirtAddr uint64

func (v VirtAddr) P4Index() uint64 { return (uint64(v) >> 39) & 0x1ff }
func (v VirtAddr) P3Index() uint64 { return (uint64(v) >> 30) & 0x1ff }
func (v VirtAddr) P2Index() uint64 { return (uint64(v) >> 21) & 0x1ff }
func (v VirtAddr) P1Index() uint64 { return (uint64(v) >> 12) & 0x1ff }
func (v VirtAddr) PageOffset() uint64 { return uint64(v) & 0xfff }

// Aligned reports whether v is page-aligned.
func (v VirtAddr) Aligned() bool { return v.PageOffset() == 0 }

// Table is one 4 KiB page-table page: 512 eight-byte entries, addressed
// in the guest physical arena.
type Table struct {
	Entries [entriesPerTable]uint64
}

// FrameAllocator is satisfied by physmem.Arena; kept as an interface so
// paging can be tested against a fake without a real arena.
type FrameAllocator interface {
	AllocateFrame() (uint64, bool)
}

// PhysAccessor reads/writes the physical arena backing all page tables and
// data pages. Satisfied by *physmem.Arena.
type PhysAccessor interface {
	ReadAt(off uint64, out []byte) error
	WriteAt(off uint64, in []byte) error
}

func readTable(mem PhysAccessor, frame uint64) (*Table, error) {
	var raw [physmem.PageSize]byte
	if err := mem.ReadAt(frame, raw[:]); err != nil {
		return nil, err
	}
	var t Table
	for i := 0; i < entriesPerTable; i++ {
		t.Entries[i] = leUint64(raw[i*8 : i*8+8])
	}
	return &t, nil
}

func writeTable(mem PhysAccessor, frame uint64, t *Table) error {
	var raw [physmem.PageSize]byte
	for i := 0; i < entriesPerTable; i++ {
		putLeUint64(raw[i*8:i*8+8], t.Entries[i])
	}
	return mem.WriteAt(frame, raw[:])
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func permBits(p Perms) uint64 {
	bits := PTEPresent
	if p&PermWrite != 0 {
		bits |= PTEWritable
	}
	if p&PermExecute == 0 {
		bits |= PTENoExec
	}
	return bits
}

// NextTable is the read-only walk variant: returns the frame address of
// the next-level table referenced by entry idx of the table at
// tableFrame, or ok=false when the entry is not present.
func NextTable(mem PhysAccessor, tableFrame uint64, idx uint64) (frame uint64, ok bool, err error) {
	t, err := readTable(mem, tableFrame)
	if err != nil {
		return 0, false, err
	}
	e := t.Entries[idx]
	if e&PTEPresent == 0 {
		return 0, false, nil
	}
	return e & pteAddrMask, true, nil
}

// NextTableCreate walks to entry idx of the table at tableFrame, allocating
// and linking a fresh zeroed table if the entry is absent. perms is not
// consulted: a new intermediate entry is always present|writable|user,
// so permission restriction happens only at the PT level.
func NextTableCreate(mem PhysAccessor, alloc FrameAllocator, tableFrame uint64, idx uint64, perms Perms) (uint64, error) {
	t, err := readTable(mem, tableFrame)
	if err != nil {
		return 0, err
	}
	e := t.Entries[idx]
	if e&PTEPresent != 0 {
		return e & pteAddrMask, nil
	}
	newFrame, ok := alloc.AllocateFrame()
	if !ok {
		return 0, kverrors.OutOfMemory(physmem.PageSize, 0)
	}
	var zero Table
	if err := writeTable(mem, newFrame, &zero); err != nil {
		return 0, err
	}
	t.Entries[idx] = newFrame | PTEPresent | PTEWritable | PTEUser
	if err := writeTable(mem, tableFrame, t); err != nil {
		return 0, err
	}
	return newFrame, nil
}

// MapPage installs a terminal PTE for va in the page table rooted at
// pml4Frame, pointing at dataFrame with the given permissions. Returns
// AddressAlreadyMapped if the terminal entry is already present.
func MapPage(mem PhysAccessor, alloc FrameAllocator, pml4Frame uint64, va VirtAddr, dataFrame uint64, perms Perms) error {
	pdpt, err := NextTableCreate(mem, alloc, pml4Frame, va.P4Index(), perms)
	if err != nil {
		return err
	}
	pd, err := NextTableCreate(mem, alloc, pdpt, va.P3Index(), perms)
	if err != nil {
		return err
	}
	pt, err := NextTableCreate(mem, alloc, pd, va.P2Index(), perms)
	if err != nil {
		return err
	}
	t, err := readTable(mem, pt)
	if err != nil {
		return err
	}
	idx := va.P1Index()
	if t.Entries[idx]&PTEPresent != 0 {
		return kverrors.AddressAlreadyMapped(uint64(va))
	}
	t.Entries[idx] = (dataFrame & pteAddrMask) | permBits(perms)
	return writeTable(mem, pt, t)
}

// Translate walks the 4-level table rooted at pml4Frame for va and
// returns the terminal physical address, or ok=false if any level is
// absent.
func Translate(mem PhysAccessor, pml4Frame uint64, va VirtAddr) (pa uint64, ok bool, err error) {
	pdpt, present, err := NextTable(mem, pml4Frame, va.P4Index())
	if err != nil || !present {
		return 0, false, err
	}
	pd, present, err := NextTable(mem, pdpt, va.P3Index())
	if err != nil || !present {
		return 0, false, err
	}
	pt, present, err := NextTable(mem, pd, va.P2Index())
	if err != nil || !present {
		return 0, false, err
	}
	t, err := readTable(mem, pt)
	if err != nil {
		return 0, false, err
	}
	e := t.Entries[va.P1Index()]
	if e&PTEPresent == 0 {
		return 0, false, nil
	}
	return (e & pteAddrMask) | va.PageOffset(), true, nil
}

// IsMapped reports whether va's containing page has a present terminal PTE.
func IsMapped(mem PhysAccessor, pml4Frame uint64, va VirtAddr) (bool, error) {
	_, ok, err := Translate(mem, pml4Frame, VirtAddr(uint64(va)&^uint64(physmem.PageSize-1)))
	return ok, err
}
