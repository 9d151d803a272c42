//go:build linux

package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Fork derives a copy-on-write child Machine from master.
//
// Real copy-on-write is obtained without copying a single byte up front: the
// master's guest memory is backed by a memfd mapped MAP_SHARED; Fork maps the
// *same* fd MAP_PRIVATE, which gives the child writable pages that are
// demand-copied by the kernel page cache the instant the guest dirties them,
// while reads are satisfied straight from the master's resident pages. This
// is the same memfd+MAP_PRIVATE technique production microVM forkers use to
// avoid a synchronous memcpy of the entire address space on every fork.
func Fork(master *Machine, opts ForkOptions) (*Machine, error) {
	vmFD, err := createVM()
	if err != nil {
		return nil, err
	}

	size := opts.MaxMemory
	if size == 0 || size > master.memSize {
		size = master.memSize
	}

	mem, err := unix.Mmap(master.memFD, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		unix.Close(vmFD)

		return nil, fmt.Errorf("hypervisor: mmap CoW guest memory: %w", err)
	}

	if err := registerMemoryRegion(vmFD, 0, mem); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)

		return nil, err
	}

	mmapSize, err := vcpuMmapSize()
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)

		return nil, err
	}

	v, err := newVCPU(vmFD, mmapSize)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)

		return nil, err
	}

	child := &Machine{
		vmFD:         vmFD,
		vcpu:         v,
		memFD:        -1, // the fork does not own the memfd; master does
		mem:          mem,
		memSize:      size,
		maxMemory:    opts.MaxMemory,
		mmapCursor:   master.mmapCursor,
		stackTop:     master.stackTop,
		binaryType:   master.binaryType,
		fds:          newFDSubsystem(),
		waiting:      master.waiting,
		savedNextRIP: master.savedNextRIP,
		waitSyscall:  master.waitSyscall,
	}

	masterRegs, err := master.vcpu.getRegisters()
	if err != nil {
		child.Close()

		return nil, err
	}

	if err := child.vcpu.setRegisters(masterRegs); err != nil {
		child.Close()

		return nil, err
	}

	return child, nil
}

// ResetTo returns a worker to the master's snapshot: its private (dirtied)
// pages are dropped by replacing the CoW mapping with a fresh MAP_PRIVATE
// view over the master's memfd, and its vCPU registers are restored from the
// master's suspension point (spec.md §4.4 "Reset semantics").
//
// opts.ResetFreeWorkMemory is not read. opts.KeepAllWorkMemory alone decides
// between keeping every dirtied page and dropping every dirtied page, so the
// working memory retained after a reset is not bounded by
// ResetFreeWorkMemory.
func (m *Machine) ResetTo(master *Machine, opts ResetOptions) error {
	if !opts.KeepAllWorkMemory {
		if err := unix.Munmap(m.mem); err != nil {
			return fmt.Errorf("hypervisor: reset: munmap: %w", err)
		}

		size := opts.MaxMemory
		if size == 0 || size > master.memSize {
			size = master.memSize
		}

		mem, err := unix.Mmap(master.memFD, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
		if err != nil {
			return fmt.Errorf("hypervisor: reset: mmap: %w", err)
		}

		if err := registerMemoryRegion(m.vmFD, 0, mem); err != nil {
			unix.Munmap(mem)

			return err
		}

		m.mem = mem
		m.memSize = size
	}

	if opts.CopyAllRegisters {
		masterRegs, err := master.vcpu.getRegisters()
		if err != nil {
			return err
		}

		if err := m.vcpu.setRegisters(masterRegs); err != nil {
			return err
		}
	}

	m.mmapCursor = master.mmapCursor
	m.stackTop = master.stackTop
	m.waiting = master.waiting
	m.savedNextRIP = master.savedNextRIP
	m.waitSyscall = master.waitSyscall

	return nil
}
