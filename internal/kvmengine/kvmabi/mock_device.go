// Code generated by hand in the style of mockgen for the Device
// interface (see SPEC_FULL.md DOMAIN STACK: go.uber.org/mock). Lets
// internal/kvmengine's run-loop and reset logic be exercised in tests
// without a real /dev/kvm.
package kvmabi

import (
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"
)

// MockDevice is a mock of the Device interface.
type MockDevice struct {
	ctrl     *gomock.Controller
	recorder *MockDeviceMockRecorder
}

// MockDeviceMockRecorder is the mock recorder for MockDevice.
type MockDeviceMockRecorder struct {
	mock *MockDevice
}

// NewMockDevice creates a new mock instance.
func NewMockDevice(ctrl *gomock.Controller) *MockDevice {
	mock := &MockDevice{ctrl: ctrl}
	mock.recorder = &MockDeviceMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockDevice) EXPECT() *MockDeviceMockRecorder {
	return m.recorder
}

func (m *MockDevice) OpenDevice() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "OpenDevice")
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) OpenDevice() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "OpenDevice", reflect.TypeOf((*MockDevice)(nil).OpenDevice))
}

func (m *MockDevice) CreateVM() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateVM")
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) CreateVM() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CreateVM", reflect.TypeOf((*MockDevice)(nil).CreateVM))
}

func (m *MockDevice) CreateVCPU() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateVCPU")
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) CreateVCPU() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CreateVCPU", reflect.TypeOf((*MockDevice)(nil).CreateVCPU))
}

func (m *MockDevice) SetUserMemoryRegion(region *UserspaceMemoryRegion) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetUserMemoryRegion", region)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) SetUserMemoryRegion(region any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetUserMemoryRegion", reflect.TypeOf((*MockDevice)(nil).SetUserMemoryRegion), region)
}

func (m *MockDevice) SetTSSAddr() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetTSSAddr")
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) SetTSSAddr() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetTSSAddr", reflect.TypeOf((*MockDevice)(nil).SetTSSAddr))
}

func (m *MockDevice) SetGuestDebug(enable bool) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetGuestDebug", enable)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) SetGuestDebug(enable any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetGuestDebug", reflect.TypeOf((*MockDevice)(nil).SetGuestDebug), enable)
}

func (m *MockDevice) GetRegs() (Regs, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetRegs")
	ret0, _ := ret[0].(Regs)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDeviceMockRecorder) GetRegs() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetRegs", reflect.TypeOf((*MockDevice)(nil).GetRegs))
}

func (m *MockDevice) SetRegs(r Regs) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetRegs", r)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) SetRegs(r any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetRegs", reflect.TypeOf((*MockDevice)(nil).SetRegs), r)
}

func (m *MockDevice) GetSregs() (Sregs, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetSregs")
	ret0, _ := ret[0].(Sregs)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDeviceMockRecorder) GetSregs() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetSregs", reflect.TypeOf((*MockDevice)(nil).GetSregs))
}

func (m *MockDevice) SetSregs(s Sregs) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetSregs", s)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) SetSregs(s any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetSregs", reflect.TypeOf((*MockDevice)(nil).SetSregs), s)
}

func (m *MockDevice) GetDirtyLog(numPages int) ([]uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetDirtyLog", numPages)
	ret0, _ := ret[0].([]uint64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDeviceMockRecorder) GetDirtyLog(numPages any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetDirtyLog", reflect.TypeOf((*MockDevice)(nil).GetDirtyLog), numPages)
}

func (m *MockDevice) Run() (*RunData, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Run")
	ret0, _ := ret[0].(*RunData)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockDeviceMockRecorder) Run() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Run", reflect.TypeOf((*MockDevice)(nil).Run))
}

func (m *MockDevice) Close() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Close")
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockDeviceMockRecorder) Close() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockDevice)(nil).Close))
}
