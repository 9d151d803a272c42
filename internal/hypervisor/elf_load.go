//go:build linux

package hypervisor

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// loadELFSegments copies every PT_LOAD segment of binary into guest memory at
// its virtual address and sets the vCPU's initial RIP to the entry point.
//
// Guest memory in this machine is identity-mapped (guest-virtual ==
// guest-physical for the low region the ELF loads into), which is the
// simplification tinykvm-style single-binary sandboxes rely on: there is
// exactly one user-space image and no second address space to translate.
func (m *Machine) loadELFSegments(binary []byte) error {
	f, err := elf.NewFile(bytes.NewReader(binary))
	if err != nil {
		return fmt.Errorf("hypervisor: parsing ELF for load: %w", err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Vaddr+prog.Memsz > m.memSize {
			return fmt.Errorf("hypervisor: PT_LOAD segment at 0x%x+0x%x exceeds guest memory (0x%x)",
				prog.Vaddr, prog.Memsz, m.memSize)
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("hypervisor: reading PT_LOAD segment: %w", err)
		}

		copy(m.mem[prog.Vaddr:], data)
		// Memsz may exceed Filesz (.bss); the backing memfd is already
		// zero-filled, so no explicit zeroing is needed.
	}

	regs, err := m.vcpu.getRegisters()
	if err != nil {
		return err
	}

	regs.RIP = f.Entry
	regs.RFLAGS = 0x2 // reserved bit, matches the x86-64 power-on/ABI default

	return m.vcpu.setRegisters(regs)
}

// SetupLinux lays out the Linux process-start stack (argv, envp, auxv) in
// guest memory below the stack pointer set by SetStackAddress, matching
// spec.md §4.3 step 4.
func (m *Machine) SetupLinux(argv, envp []string) error {
	regs, err := m.vcpu.getRegisters()
	if err != nil {
		return err
	}

	sp := m.stackTop
	if sp == 0 {
		return fmt.Errorf("hypervisor: SetupLinux: stack address not set")
	}

	write := func(s string) uint64 {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		sp &^= 0x7 // keep 8-byte alignment for the pointer tables that follow
		copy(m.mem[sp:], b)

		return sp
	}

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		argvPtrs[i] = write(s)
	}

	envpPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		envpPtrs[i] = write(s)
	}

	// auxv: a minimal vector terminated by AT_NULL. AT_PAGESZ is the one
	// entry guest libc start-up code reliably consults before anything else.
	const (
		atNull   = 0
		atPagesz = 6
	)

	auxv := []uint64{atPagesz, 4096, atNull, 0}

	putWord := func(w uint64) {
		sp -= 8
		putUint64(m.mem, sp, w)
	}

	for i := len(auxv) - 1; i >= 0; i -= 2 {
		putWord(auxv[i])
		putWord(auxv[i-1])
	}

	putWord(0) // envp terminator
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		putWord(envpPtrs[i])
	}

	putWord(0) // argv terminator
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		putWord(argvPtrs[i])
	}

	putWord(uint64(len(argvPtrs))) // argc

	m.stackTop = sp
	regs.RSP = sp

	return m.vcpu.setRegisters(regs)
}

func putUint64(mem []byte, addr, v uint64) {
	for i := 0; i < 8; i++ {
		mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}
