package vmem

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/paging"
	"github.com/kvmfuzz/kvmfuzz/internal/physmem"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/prop"
)

func newMem(t *testing.T, size uint64) *VMMemory {
	t.Helper()
	m, err := New(size)
	assert.Nil(t, err)
	return m
}

// Invariant 1: after mmap succeeds every page in range is mapped, and an
// overlapping mmap fails with AddressAlreadyMapped.
func TestMmapMapsRangeAndRejectsOverlap(t *testing.T) {
	m := newMem(t, 64*physmem.PageSize)
	assert.Nil(t, m.Mmap(0x1337000, 2*physmem.PageSize, paging.PermRead|paging.PermWrite))

	mapped, err := m.IsMapped(0x1337000)
	assert.Nil(t, err)
	assert.Equal(t, true, mapped)
	mapped, err = m.IsMapped(0x1337000 + physmem.PageSize)
	assert.Nil(t, err)
	assert.Equal(t, true, mapped)

	err = m.Mmap(0x1337000, physmem.PageSize, paging.PermRead)
	assert.NotNil(t, err)
	se, ok := err.(*kverrors.StandardError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ADDRESS_ALREADY_MAPPED", se.Code)
}

// Invariant 2: write/read round-trip, including a cross-page range.
func TestReadWriteRoundTripCrossPage(t *testing.T) {
	m := newMem(t, 64*physmem.PageSize)
	base := uint64(0x2000000)
	assert.Nil(t, m.Mmap(base, 3*physmem.PageSize, paging.PermRead|paging.PermWrite))

	data := bytes.Repeat([]byte{0xAB}, physmem.PageSize+16)
	va := base + physmem.PageSize - 8 // crosses a page boundary
	assert.Nil(t, m.Write(va, data))

	out := make([]byte, len(data))
	assert.Nil(t, m.Read(va, out))
	assert.Equal(t, true, bytes.Equal(data, out))
}

// Invariant 3: reading/writing an unmapped page fails with AddressUnmapped.
func TestUnmappedAccessFails(t *testing.T) {
	m := newMem(t, 16*physmem.PageSize)
	err := m.Read(0xdeadb000, make([]byte, 8))
	assert.NotNil(t, err)
	se, ok := err.(*kverrors.StandardError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ADDRESS_UNMAPPED", se.Code)
}

// Write is a no-op on failure even partway through a range: a write
// spanning a mapped page followed by an unmapped one must not touch the
// mapped page's bytes.
func TestWriteSpanningUnmappedPageLeavesMappedPageUntouched(t *testing.T) {
	m := newMem(t, 16*physmem.PageSize)
	base := uint64(0x4000000)
	assert.Nil(t, m.Mmap(base, physmem.PageSize, paging.PermRead|paging.PermWrite))

	original := bytes.Repeat([]byte{0x11}, physmem.PageSize)
	assert.Nil(t, m.Write(base, original))

	spanning := bytes.Repeat([]byte{0x22}, physmem.PageSize+16)
	err := m.Write(base, spanning)
	assert.NotNil(t, err)
	se, ok := err.(*kverrors.StandardError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ADDRESS_UNMAPPED", se.Code)

	out := make([]byte, physmem.PageSize)
	assert.Nil(t, m.Read(base, out))
	assert.Equal(t, true, bytes.Equal(original, out))
}

// Invariant 1 as a property: for any page-aligned va/size/perms triple
// drawn within a large arena, Mmap succeeds and every page in range
// reports mapped afterward.
func TestMmapRangeIsFullyMappedProperty(t *testing.T) {
	const arenaPages = 256
	type mmapCase struct {
		pageOff uint64
		pages   uint64
		perms   paging.Perms
	}
	gen := func(r *rand.Rand, size int) mmapCase {
		pages := uint64(1 + r.Intn(8))
		maxOff := uint64(arenaPages) - pages - 1
		return mmapCase{
			pageOff: uint64(r.Intn(int(maxOff))),
			pages:   pages,
			perms:   paging.PermRead | paging.PermWrite,
		}
	}
	result := prop.ForAll1(gen, nil, func(c mmapCase) bool {
		m := newMem(t, arenaPages*physmem.PageSize)
		va := 0x10000000 + c.pageOff*physmem.PageSize
		if err := m.Mmap(va, c.pages*physmem.PageSize, c.perms); err != nil {
			return false
		}
		for i := uint64(0); i < c.pages; i++ {
			mapped, err := m.IsMapped(va + i*physmem.PageSize)
			if err != nil || !mapped {
				return false
			}
		}
		return true
	}, prop.Options{Trials: 100, Seed: 42})
	assert.Equal(t, false, result.Failed)
}

// Invariant 2 as a property: write/read round-trips for any offset and
// payload length within a mapped range, including cross-page spans.
func TestWriteReadRoundTripProperty(t *testing.T) {
	const mappedPages = 8
	m := newMem(t, 64*physmem.PageSize)
	base := uint64(0x20000000)
	assert.Nil(t, m.Mmap(base, mappedPages*physmem.PageSize, paging.PermRead|paging.PermWrite))

	type rwCase struct {
		off  uint64
		data []byte
	}
	gen := func(r *rand.Rand, size int) rwCase {
		maxLen := (mappedPages - 1) * physmem.PageSize
		n := 1 + r.Intn(maxLen-1)
		off := uint64(r.Intn(int(uint64(mappedPages)*physmem.PageSize - uint64(n))))
		data := make([]byte, n)
		r.Read(data)
		return rwCase{off: off, data: data}
	}
	result := prop.ForAll1(gen, nil, func(c rwCase) bool {
		if err := m.Write(base+c.off, c.data); err != nil {
			return false
		}
		out := make([]byte, len(c.data))
		if err := m.Read(base+c.off, out); err != nil {
			return false
		}
		return bytes.Equal(c.data, out)
	}, prop.Options{Trials: 100, Seed: 7})
	assert.Equal(t, false, result.Failed)
}

func TestCloneIsIndependent(t *testing.T) {
	m := newMem(t, 8*physmem.PageSize)
	assert.Nil(t, m.Mmap(0x3000000, physmem.PageSize, paging.PermRead|paging.PermWrite))
	assert.Nil(t, m.Write(0x3000000, []byte("original")))

	clone, err := m.Clone()
	assert.Nil(t, err)

	assert.Nil(t, m.Write(0x3000000, []byte("mutated!")))

	out := make([]byte, len("original"))
	assert.Nil(t, clone.Read(0x3000000, out))
	assert.Equal(t, "original", string(out))
}
