package migration

import (
	"errors"

	"github.com/bobuhiro11/kvmguest/fault"
)

// ErrReleased is returned when a released VCPUState is used.
var ErrReleased = errors.New("vcpu state already released")

// MSREntry is one saved model specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState is everything needed to resume a vCPU elsewhere. The fixed
// size KVM structs are kept as raw bytes so the struct layout stays in
// the kvm package.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	Events    []byte
	MPState   uint32
	XSave     []byte
	XCRS      []byte // empty without KVM_CAP_XCRS
	DebugRegs []byte
	MSRs      []MSREntry
	Nested    []byte // empty when the host has no nested state

	released bool
}

// Release drops every buffer. A released state cannot be restored.
func (s *VCPUState) Release() {
	*s = VCPUState{released: true}
}

// Released reports whether Release has been called.
func (s *VCPUState) Released() bool {
	return s.released
}

// Check returns a violation for a nil or released state.
func (s *VCPUState) Check() error {
	if s == nil || s.released {
		return fault.Violationf(ErrReleased, "use vcpu state")
	}

	return nil
}

// Snapshot is the device-independent part of a migration: the guest
// memory size and one state per vCPU, in vCPU id order. Guest memory
// itself travels as a separate message.
type Snapshot struct {
	MemSize int
	VCPUs   []VCPUState
}
