//go:build linux

// Package hypervisor is the out-of-scope virtual machine primitive that the
// supervisor consumes as a library: ELF loading, guest memory, per-vCPU
// run-with-timeout, register access, copy-on-write fork, reset-to-parent, and
// a pluggable file-descriptor subsystem with path-rewrite hooks.
//
// Everything above Machine (Policy, Sandbox, the master/worker lifecycles) is
// this repository's own code; this package only provides the primitive they
// are built on, implemented directly against the Linux KVM ioctl API.
package hypervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers, from the stable Linux uapi/linux/kvm.h ABI.
const (
	kvmGetAPIVersion         = 0xAE00
	kvmCreateVM              = 0xAE01
	kvmCheckExtension        = 0xAE03
	kvmGetVCPUMmapSize       = 0xAE04
	kvmCreateVCPU            = 0xAE41
	kvmSetUserMemoryRegion   = 0x4020AE46
	kvmRun                   = 0xAE80
	kvmGetRegs               = 0x8090AE81
	kvmSetRegs               = 0x4090AE82
	kvmGetSregs              = 0x8138AE83
	kvmSetSregs              = 0x4138AE84
	kvmSetTSSAddr            = 0xAE47
	kvmSetIdentityMapAddr    = 0x4008AE48
	expectedAPIVersion       = 12
	kvmExtensionUserMemory   = 3
	kvmMemLogDirtyPages      = 1 << 0
	kvmMemReadonly           = 1 << 1
)

// device wraps /dev/kvm, opened once per process (spec.md §4.5 step 2: "one-time,
// process-global" hypervisor subsystem initialization).
type device struct {
	file *os.File
}

var globalDevice *device

// Init opens /dev/kvm and verifies the reported API version.
//
// Grounded on the open/ioctl sequence in avagin/gvisor's KVM platform (New,
// OpenDevice): open the device, confirm KVM_GET_API_VERSION, leave the fd
// open for the lifetime of the process so every machine can issue
// KVM_CREATE_VM against it.
func Init() error {
	if globalDevice != nil {
		return nil
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("hypervisor: opening /dev/kvm: %w", err)
	}

	version, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kvmGetAPIVersion, 0)
	if errno != 0 {
		f.Close()

		return fmt.Errorf("hypervisor: KVM_GET_API_VERSION: %w", errno)
	}

	if version != expectedAPIVersion {
		f.Close()

		return fmt.Errorf("hypervisor: unsupported KVM API version %d (want %d)", version, expectedAPIVersion)
	}

	ext, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kvmCheckExtension, kvmExtensionUserMemory)
	if errno != 0 || ext == 0 {
		f.Close()

		return fmt.Errorf("hypervisor: KVM_CAP_USER_MEMORY not supported")
	}

	globalDevice = &device{file: f}

	return nil
}

func createVM() (int, error) {
	if globalDevice == nil {
		return -1, fmt.Errorf("hypervisor: Init not called")
	}

	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, globalDevice.file.Fd(), kvmCreateVM, 0)
	if errno != 0 {
		return -1, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", errno)
	}

	return int(fd), nil
}

func vcpuMmapSize() (int, error) {
	if globalDevice == nil {
		return 0, fmt.Errorf("hypervisor: Init not called")
	}

	size, _, errno := unix.Syscall(unix.SYS_IOCTL, globalDevice.file.Fd(), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, fmt.Errorf("hypervisor: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}

	return int(size), nil
}
