package kvmengine

import (
	"testing"

	gomock "go.uber.org/mock/gomock"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/kvmengine/kvmabi"
	"github.com/kvmfuzz/kvmfuzz/internal/paging"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
	"github.com/kvmfuzz/kvmfuzz/internal/vmem"
)

func newTestVM(t *testing.T, dev kvmabi.Device) *Vm {
	t.Helper()
	mem, err := vmem.New(64 * 1024)
	assert.Nil(t, err)
	assert.Nil(t, mem.Mmap(0x1337000, 4096, paging.PermRead|paging.PermWrite|paging.PermExecute))

	vm, err := New(dev, mem)
	assert.Nil(t, err)
	return vm
}

func expectBringUp(m *kvmabi.MockDevice) {
	m.EXPECT().SetUserMemoryRegion(gomock.Any()).Return(nil)
	m.EXPECT().SetTSSAddr().Return(nil)
	m.EXPECT().GetSregs().Return(kvmabi.Sregs{}, nil)
	m.EXPECT().SetSregs(gomock.Any()).Return(nil)
	m.EXPECT().SetGuestDebug(true).Return(nil)
}

// E1: add/halt.
func TestRunHlt(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := kvmabi.NewMockDevice(ctrl)
	expectBringUp(dev)
	vm := newTestVM(t, dev)

	assert.Nil(t, vm.Mem.Write(0x1337000, []byte{0x48, 0x01, 0xC2, 0xF4}))
	regs := kvmabi.Regs{RAX: 0x337, RDX: 0x1000, RIP: 0x1337000}
	vm.SetInitialRegs(regs)

	dev.EXPECT().SetRegs(gomock.Any()).Return(nil)
	dev.EXPECT().SetSregs(gomock.Any()).Return(nil)
	dev.EXPECT().GetDirtyLog(gomock.Any()).Return(nil, nil) // Run's priming call
	dev.EXPECT().Run().Return(&kvmabi.RunData{ExitReason: kvmabi.ExitHlt}, nil)
	dev.EXPECT().GetRegs().Return(kvmabi.Regs{RIP: 0x1337004}, nil)

	exit, err := vm.Run()
	assert.Nil(t, err)
	assert.Equal(t, kverrors.VmExitHlt, exit.Kind)
	assert.Equal(t, uint64(0x1337003), exit.RIP)
}

// Invariant 4: coverage point installs 0xCC, and a hit records the VA and
// restores the original byte.
func TestCoveragePointHitRestoresByteAndRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := kvmabi.NewMockDevice(ctrl)
	expectBringUp(dev)
	vm := newTestVM(t, dev)

	assert.Nil(t, vm.Mem.Write(0x1337000, []byte{0x90}))
	inserted, err := vm.AddCoveragePoint(0x1337000)
	assert.Nil(t, err)
	assert.Equal(t, true, inserted)

	out := make([]byte, 1)
	assert.Nil(t, vm.Mem.Read(0x1337000, out))
	assert.Equal(t, byte(0xCC), out[0])

	// A second insert is a no-op.
	inserted, err = vm.AddCoveragePoint(0x1337000)
	assert.Nil(t, err)
	assert.Equal(t, false, inserted)

	dev.EXPECT().SetRegs(gomock.Any()).Return(nil)
	dev.EXPECT().SetSregs(gomock.Any()).Return(nil)
	dev.EXPECT().GetDirtyLog(gomock.Any()).Return(nil, nil) // Run's priming call
	dev.EXPECT().Run().Return(&kvmabi.RunData{ExitReason: kvmabi.ExitDebug}, nil)
	dev.EXPECT().GetRegs().Return(kvmabi.Regs{RIP: 0x1337000}, nil)
	dev.EXPECT().Run().Return(&kvmabi.RunData{ExitReason: kvmabi.ExitHlt}, nil)
	dev.EXPECT().GetRegs().Return(kvmabi.Regs{RIP: 0x1337001}, nil)

	exit, err := vm.Run()
	assert.Nil(t, err)
	assert.Equal(t, kverrors.VmExitHlt, exit.Kind)
	assert.Equal(t, 1, len(vm.Coverage))
	assert.Equal(t, uint64(0x1337000), vm.Coverage[0])

	assert.Nil(t, vm.Mem.Read(0x1337000, out))
	assert.Equal(t, byte(0x90), out[0])
}

// An unarmed breakpoint is reported, not an error.
func TestUnarmedBreakpointReportsBreakpointExit(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := kvmabi.NewMockDevice(ctrl)
	expectBringUp(dev)
	vm := newTestVM(t, dev)

	dev.EXPECT().SetRegs(gomock.Any()).Return(nil)
	dev.EXPECT().SetSregs(gomock.Any()).Return(nil)
	dev.EXPECT().GetDirtyLog(gomock.Any()).Return(nil, nil) // Run's priming call
	dev.EXPECT().Run().Return(&kvmabi.RunData{ExitReason: kvmabi.ExitDebug}, nil)
	dev.EXPECT().GetRegs().Return(kvmabi.Regs{RIP: 0xdeadbeef}, nil)

	exit, err := vm.Run()
	assert.Nil(t, err)
	assert.Equal(t, kverrors.VmExitBreakpoint, exit.Kind)
	assert.Equal(t, uint64(0xdeadbeef), exit.RIP)
}

// Invariant 5: after reset(pristine), dirtied pages equal the pristine
// arena's bytes, regs/sregs equal the template, and coverage is cleared.
func TestResetRestoresDirtyPagesAndTemplate(t *testing.T) {
	ctrl := gomock.NewController(t)
	pristineDev := kvmabi.NewMockDevice(ctrl)
	expectBringUp(pristineDev)
	pristine := newTestVM(t, pristineDev)
	assert.Nil(t, pristine.Mem.Write(0x1337000, []byte{0xCC})) // armed breakpoint byte
	pristine.SetInitialRegs(kvmabi.Regs{RIP: 0x1337000})

	liveDev := kvmabi.NewMockDevice(ctrl)
	expectBringUp(liveDev)
	live := newTestVM(t, liveDev)
	assert.Nil(t, live.Mem.Write(0x1337000, []byte{0x90})) // breakpoint fired, original restored
	live.Coverage = []uint64{0x1337000}

	numPages := int(live.Mem.Arena.Size() / 4096)
	bitmap := make([]uint64, (numPages+63)/64)
	bitmap[0] = 1 << 1 // page 1 (the data frame backing 0x1337000) is dirty
	liveDev.EXPECT().GetDirtyLog(numPages).Return(bitmap, nil)
	liveDev.EXPECT().SetRegs(gomock.Any()).Return(nil)
	liveDev.EXPECT().SetSregs(gomock.Any()).Return(nil)

	assert.Nil(t, live.Reset(pristine))

	out := make([]byte, 1)
	assert.Nil(t, live.Mem.Read(0x1337000, out))
	assert.Equal(t, byte(0xCC), out[0])
	assert.Equal(t, 0, len(live.Coverage))
	assert.Equal(t, pristine.GetInitialRegs().RIP, live.GetInitialRegs().RIP)
}
