// Package snapshot implements the snapshot loader (spec §4.D): it
// rehydrates guest mappings, page contents, and the initial register file
// from an abstract snapshot Record into a vmem.VMMemory.
//
// The Save/Restore shape this loader consumes is grounded on the
// other_examples gokvm machine-state.go SaveMemory/RestoreMemory and
// register-file structures surveyed for this module; format versioning
// is an addition (see SPEC_FULL.md DOMAIN STACK) using
// github.com/Masterminds/semver/v3 so the otherwise fully abstract record
// can reject snapshots from an incompatible producer before any byte is
// read.
package snapshot

import (
	"github.com/Masterminds/semver/v3"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/paging"
	"github.com/kvmfuzz/kvmfuzz/internal/vmem"
)

// SupportedFormat is the range of snapshot format versions this loader
// accepts.
var SupportedFormat = mustConstraint(">=1.0.0, <2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Mapping describes one guest virtual-address range captured in a
// snapshot: its start VA, byte size, a permission string where the
// characters 'r', 'w', 'x' set the corresponding bit (any other
// character is ignored), and the physical offset within the snapshot
// blob where its bytes begin.
type Mapping struct {
	StartVA   uint64
	Size      uint64
	PermStr   string
	BlobPhysOff uint64
}

// Record is the abstract snapshot consumed by Load. The core is agnostic
// to the concrete on-disk format; callers adapt their own representation
// to this interface.
type Record interface {
	FormatVersion() string
	Mappings() []Mapping
	// Read returns up to len bytes from the snapshot blob starting at
	// physOff. A short read (fewer bytes than requested) signals a
	// truncated snapshot.
	Read(physOff uint64, length int) ([]byte, error)
	Registers() map[string]uint64
}

// ParsePerms converts a snapshot permission string into paging.Perms.
func ParsePerms(s string) paging.Perms {
	var p paging.Perms
	for _, c := range s {
		switch c {
		case 'r':
			p |= paging.PermRead
		case 'w':
			p |= paging.PermWrite
		case 'x':
			p |= paging.PermExecute
		}
	}
	return p
}

// Load rehydrates mem from rec: for each mapping, and each page-aligned
// offset inside it, mmap one page with the translated permission set then
// write the snapshot's page bytes at start+offset. Returns the snapshot's
// register map for the caller to install as the VM's reset template.
func Load(mem *vmem.VMMemory, rec Record) (map[string]uint64, error) {
	v, err := semver.NewVersion(rec.FormatVersion())
	if err != nil {
		return nil, kverrors.Conversion("format_version", rec.FormatVersion())
	}
	if !SupportedFormat.Check(v) {
		return nil, kverrors.Conversion("format_version", rec.FormatVersion())
	}

	const pageSize = 4096
	for _, mapping := range rec.Mappings() {
		perms := ParsePerms(mapping.PermStr)
		pageAlignedStart := mapping.StartVA &^ (pageSize - 1)
		pageAlignedSize := ((mapping.StartVA - pageAlignedStart) + mapping.Size + pageSize - 1) &^ (pageSize - 1)
		if err := mem.Mmap(pageAlignedStart, pageAlignedSize, perms); err != nil {
			return nil, err
		}
		for off := uint64(0); off < mapping.Size; off += pageSize {
			length := pageSize
			if remaining := mapping.Size - off; remaining < pageSize {
				length = int(remaining)
			}
			buf, err := rec.Read(mapping.BlobPhysOff+off, length)
			if err != nil {
				return nil, kverrors.OutOfMemory(uintptr(length), uintptr(len(buf)))
			}
			if len(buf) < length {
				return nil, kverrors.OutOfMemory(uintptr(length), uintptr(len(buf)))
			}
			if err := mem.Write(mapping.StartVA+off, buf); err != nil {
				return nil, err
			}
		}
	}
	return rec.Registers(), nil
}
