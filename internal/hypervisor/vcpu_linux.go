//go:build linux

package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Registers mirrors struct kvm_regs (x86-64): sixteen general-purpose
// registers plus rip/rflags, in the kernel's field order so SetRegisters can
// hand this struct straight to KVM_SET_REGS.
type Registers struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// runData is the mmap'd kvm_run page used for synchronous exit-reason and
// exit-data access, mirrored from avagin/gvisor's platform/kvm runData.
type runData struct {
	requestInterruptWindow uint8
	_                      [7]uint8

	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	_                          [2]uint8

	cr8      uint64
	apicBase uint64

	data [32]uint64
}

// ExitReason classifies why KVM_RUN returned control to the host.
type ExitReason uint32

const (
	ExitUnknown ExitReason = iota
	ExitHLT
	ExitIO
	ExitMMIO
	ExitShutdown
	ExitFailEntry
	ExitInternalError
)

const (
	kvmExitHLT         = 5
	kvmExitIO          = 2
	kvmExitMMIO        = 6
	kvmExitShutdown    = 8
	kvmExitFailEntry   = 9
	kvmExitInternalErr = 17
)

func classifyExit(raw uint32) ExitReason {
	switch raw {
	case kvmExitHLT:
		return ExitHLT
	case kvmExitIO:
		return ExitIO
	case kvmExitMMIO:
		return ExitMMIO
	case kvmExitShutdown:
		return ExitShutdown
	case kvmExitFailEntry:
		return ExitFailEntry
	case kvmExitInternalErr:
		return ExitInternalError
	default:
		return ExitUnknown
	}
}

// vcpu owns one KVM_CREATE_VCPU fd and its mmap'd kvm_run page.
type vcpu struct {
	fd  int
	run *runData
	mem []byte // raw mmap backing `run`, kept for munmap
}

func newVCPU(vmFD int, mmapSize int) (*vcpu, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmCreateVCPU, 0)
	if errno != 0 {
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VCPU: %w", errno)
	}

	mem, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("hypervisor: mmap kvm_run: %w", err)
	}

	return &vcpu{
		fd:  int(fd),
		run: (*runData)(unsafe.Pointer(&mem[0])),
		mem: mem,
	}, nil
}

func (v *vcpu) close() {
	if v.mem != nil {
		_ = unix.Munmap(v.mem)
	}

	if v.fd >= 0 {
		unix.Close(v.fd)
	}
}

func (v *vcpu) run1() (ExitReason, uint64, error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmRun, 0)
	if errno != 0 {
		if errno == unix.EINTR {
			return ExitUnknown, 0, errInterrupted
		}

		return ExitUnknown, 0, fmt.Errorf("hypervisor: KVM_RUN: %w", errno)
	}

	return classifyExit(v.run.exitReason), v.run.data[0], nil
}

func (v *vcpu) getRegisters() (Registers, error) {
	var regs Registers

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if errno != 0 {
		return regs, fmt.Errorf("hypervisor: KVM_GET_REGS: %w", errno)
	}

	return regs, nil
}

func (v *vcpu) setRegisters(regs Registers) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmSetRegs, uintptr(unsafe.Pointer(&regs)))
	if errno != 0 {
		return fmt.Errorf("hypervisor: KVM_SET_REGS: %w", errno)
	}

	return nil
}

var errInterrupted = fmt.Errorf("hypervisor: vcpu run interrupted")
