// Package physmem implements the physical memory arena (spec §4.A): an
// anonymous, shared, page-aligned backing region registered with KVM and
// addressed by raw physical offset, plus a bump frame allocator over it.
//
// The bump-allocator idiom (allocate forward only, free is a no-op) is
// carried over from the arena allocator this module's teacher used for
// compiler-runtime scratch memory; here the no-op free is not an
// implementation shortcut but the correct semantics for a snapshot+reset
// fuzzing session, where full-VM reset (see internal/kvmengine) is the
// only reclamation path that ever runs.
package physmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
)

const PageSize = 4096

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Arena is a fixed-size, page-aligned, anonymously-mapped region of host
// memory that is registered with KVM as guest physical memory starting at
// guest address 0.
type Arena struct {
	host []byte // mmap'd backing storage; host[0] aliases guest PA 0

	mu  sync.Mutex
	top uint64 // next bump-allocation offset, page-aligned

	allocatedFrames atomic.Int64
}

// NewArena allocates a fresh anonymous, shared mapping of size bytes
// (rounded up to a page) and returns an Arena owning it. The mapping is
// shared (MAP_SHARED) so that KVM's dirty-page log and the host's view of
// guest memory observe the same pages.
func NewArena(size uint64) (*Arena, error) {
	aligned := alignUp(size, PageSize)
	if aligned == 0 {
		aligned = PageSize
	}
	host, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kverrors.OutOfMemory(uintptr(aligned), 0)
	}
	return &Arena{host: host}, nil
}

// Close releases the backing mapping. Not called during normal fuzzing
// (arenas live for the lifetime of their owning VM) but provided for
// clean shutdown and tests.
func (a *Arena) Close() error {
	if a.host == nil {
		return nil
	}
	err := unix.Munmap(a.host)
	a.host = nil
	return err
}

// Size returns the arena's total byte size.
func (a *Arena) Size() uint64 { return uint64(len(a.host)) }

// GuestAddress is always 0: the arena is registered as the sole memory
// slot starting at guest physical address 0.
func (a *Arena) GuestAddress() uint64 { return 0 }

// HostAddress returns the host virtual address of the backing mapping,
// for KVM user_memory_region registration.
func (a *Arena) HostAddress() uintptr {
	if len(a.host) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.host[0]))
}

// Translate maps a guest physical frame address to the corresponding host
// address within this arena's backing storage.
func (a *Arena) Translate(frameAddr uint64) uintptr {
	return a.HostAddress() + uintptr(frameAddr)
}

// ReadAt copies len(out) bytes starting at physical offset off into out.
func (a *Arena) ReadAt(off uint64, out []byte) error {
	if off+uint64(len(out)) > uint64(len(a.host)) {
		return kverrors.PhysReadOutOfBounds(off, len(out))
	}
	copy(out, a.host[off:off+uint64(len(out))])
	return nil
}

// WriteAt copies in into the arena starting at physical offset off.
func (a *Arena) WriteAt(off uint64, in []byte) error {
	if off+uint64(len(in)) > uint64(len(a.host)) {
		return kverrors.PhysWriteOutOfBounds(off, len(in))
	}
	copy(a.host[off:off+uint64(len(in))], in)
	return nil
}

// Bytes returns the arena's raw backing slice. Used by snapshot/reset
// logic that needs whole-page or whole-arena access without per-call
// bounds-checking overhead; callers must respect arena size themselves.
func (a *Arena) Bytes() []byte { return a.host }

// AllocateFrame returns the next page-aligned physical offset and advances
// the bump cursor. Returns (0, false) when the arena is exhausted.
func (a *Arena) AllocateFrame() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.top+PageSize > uint64(len(a.host)) {
		return 0, false
	}
	off := a.top
	a.top += PageSize
	a.allocatedFrames.Add(1)
	return off, true
}

// DeallocateFrame is a no-op: see the package doc comment.
func (a *Arena) DeallocateFrame(uint64) {}

// AllocatedFrames reports how many frames have been handed out so far.
func (a *Arena) AllocatedFrames() int64 { return a.allocatedFrames.Load() }

// Clone produces an independent arena of the same size with identical
// contents and bump-cursor position, used by VM fork (§4.C clone, §4.E
// fork).
func (a *Arena) Clone() (*Arena, error) {
	clone, err := NewArena(uint64(len(a.host)))
	if err != nil {
		return nil, err
	}
	copy(clone.host, a.host)
	clone.top = a.top
	return clone, nil
}
