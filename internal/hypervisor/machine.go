//go:build linux

package hypervisor

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// guestMmapBase is where Machine.MmapAllocate starts handing out guest
// virtual addresses, chosen well above any plausible ELF load address or
// heap so it never collides with the program image.
const guestMmapBase = 0x7000_0000_0000

// waitSyscalls are the request-wait syscalls spec.md's glossary names
// ("Wait-for-requests"): epoll_wait, accept, accept4, poll, select — the
// x86-64 Linux syscall numbers, used to recognize that a guest has reached
// its service loop's blocking point.
var waitSyscalls = map[uint64]bool{
	7:   true, // poll
	23:  true, // select
	43:  true, // accept
	232: true, // epoll_wait
	288: true, // accept4
}

// Machine is one KVM-backed guest: a single vCPU, a guest-physical memory
// region backed by a memfd (so Fork can derive a copy-on-write child cheaply,
// see fork_linux.go), and the FD subsystem that emulates the guest's
// filesystem/network view.
type Machine struct {
	vmFD int
	vcpu *vcpu

	memFD     int // memfd backing guest memory; shared across Fork/ResetTo
	mem       []byte
	memSize   uint64
	maxMemory uint64

	mmapCursor uint64 // bump allocator for MmapAllocate
	stackTop   uint64

	cowCeiling uint64 // working-memory budget set by PrepareCopyOnWrite

	binaryType BinaryType

	fds *FDSubsystem

	waiting      bool
	savedNextRIP uint64 // RCX at the moment the guest trapped into its wait syscall
	waitSyscall  uint64
}

// NewMachineFromELF constructs an unbooted Machine from a guest ELF image.
//
// This is the "Master construct" operation of spec.md §4.2: it prepares a
// fresh KVM VM and vCPU and loads the binary's segments into guest memory,
// but does not run anything — that's Initialize's job (internal/master).
func NewMachineFromELF(binary []byte, opts MachineOptions) (*Machine, error) {
	info, err := inspectELF(binary)
	if err != nil {
		return nil, err
	}

	vmFD, err := createVM()
	if err != nil {
		return nil, err
	}

	memFD, err := unix.MemfdCreate("guest-memory", 0)
	if err != nil {
		unix.Close(vmFD)

		return nil, fmt.Errorf("hypervisor: memfd_create: %w", err)
	}

	size := opts.MaxMemory
	if size == 0 {
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, fmt.Errorf("hypervisor: MaxMemory must be non-zero")
	}

	if err := unix.Ftruncate(memFD, int64(size)); err != nil {
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, fmt.Errorf("hypervisor: ftruncate guest memory: %w", err)
	}

	mem, err := unix.Mmap(memFD, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, fmt.Errorf("hypervisor: mmap guest memory: %w", err)
	}

	if err := registerMemoryRegion(vmFD, 0, mem); err != nil {
		unix.Munmap(mem)
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, err
	}

	mmapSize, err := vcpuMmapSize()
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, err
	}

	v, err := newVCPU(vmFD, mmapSize)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memFD)
		unix.Close(vmFD)

		return nil, err
	}

	m := &Machine{
		vmFD:       vmFD,
		vcpu:       v,
		memFD:      memFD,
		mem:        mem,
		memSize:    size,
		maxMemory:  size,
		mmapCursor: guestMmapBase,
		binaryType: classifyBinary(info),
		fds:        newFDSubsystem(),
	}

	if err := m.loadELFSegments(binary); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func registerMemoryRegion(vmFD int, guestAddr uint64, mem []byte) error {
	type memoryRegion struct {
		slot          uint32
		flags         uint32
		guestPhysAddr uint64
		memorySize    uint64
		userspaceAddr uint64
	}

	region := memoryRegion{
		slot:          0,
		flags:         0,
		guestPhysAddr: guestAddr,
		memorySize:    uint64(len(mem)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("hypervisor: KVM_SET_USER_MEMORY_REGION: %w", errno)
	}

	return nil
}

// BinaryType reports how the loaded guest image was classified.
func (m *Machine) BinaryType() BinaryType { return m.binaryType }

// FDs returns the machine's file-descriptor subsystem for installing the
// path-rewrite and socket callbacks described in spec.md §4.2.
func (m *Machine) FDs() *FDSubsystem { return m.fds }

// PrepareCopyOnWrite sets the working-memory ceiling: the amount of guest
// memory the machine may dirty before further writes are refused. Master
// construction calls this twice (spec.md §4.3 steps 2 and 10): once with the
// main-memory size to allow boot-time writes, once with zero to freeze the
// master as a pristine fork source.
//
// This Go port does not implement per-page write interception (that level of
// detail belongs to the hypervisor primitive spec.md treats as out of scope);
// the ceiling is only recorded: no write is refused, and Fork/ResetTo size
// their mappings from their own options, not from it.
func (m *Machine) PrepareCopyOnWrite(ceilingBytes uint64) error {
	m.cowCeiling = ceilingBytes

	return nil
}

// PrintPagetables renders a diagnostic summary of the guest's memory layout
// for the `verbose_pagetable` knob (spec.md §4.3 step 5). This machine
// identity-maps all guest memory as a single KVM_SET_USER_MEMORY_REGION
// (see loadELFSegments) rather than walking guest-managed x86 page tables,
// so there is no PTE hierarchy to dump; the summary reports that region's
// extents and the bump allocators instead.
func (m *Machine) PrintPagetables() string {
	return fmt.Sprintf(
		"guest memory: identity-mapped 0x0-0x%x (%d MiB); mmap cursor=0x%x; stack top=0x%x",
		m.memSize, m.memSize>>20, m.mmapCursor, m.stackTop)
}

// MmapAllocate reserves a guest-virtual region of the given size and returns
// its base address. Used for the master's stack (spec.md §4.3 step 1).
func (m *Machine) MmapAllocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("hypervisor: MmapAllocate: size must be non-zero")
	}

	addr := m.mmapCursor
	m.mmapCursor += alignUp(size, 4096)

	return addr, nil
}

// SetStackAddress sets the vCPU's stack pointer to addr.
func (m *Machine) SetStackAddress(addr uint64) error {
	m.stackTop = addr

	regs, err := m.vcpu.getRegisters()
	if err != nil {
		return err
	}

	regs.RSP = addr

	return m.vcpu.setRegisters(regs)
}

// Registers returns the vCPU's current general-purpose register file.
func (m *Machine) Registers() (Registers, error) {
	return m.vcpu.getRegisters()
}

// SetRegisters overwrites the vCPU's general-purpose register file.
func (m *Machine) SetRegisters(regs Registers) error {
	return m.vcpu.setRegisters(regs)
}

// IsWaitingForRequests reports whether the machine is currently suspended in
// a recognized request-wait syscall (spec.md glossary).
func (m *Machine) IsWaitingForRequests() bool {
	return m.waiting
}

// WaitSyscall returns the syscall number the machine most recently recognized
// as its request-wait point, used to derive the PollMethod diagnostic.
func (m *Machine) WaitSyscall() uint64 {
	return m.waitSyscall
}

// Close releases the machine's KVM and memory resources.
func (m *Machine) Close() {
	if m.vcpu != nil {
		m.vcpu.close()
	}

	if m.mem != nil {
		_ = unix.Munmap(m.mem)
	}

	if m.memFD >= 0 {
		unix.Close(m.memFD)
	}

	if m.vmFD >= 0 {
		unix.Close(m.vmFD)
	}
}

// Run drives the vCPU until it next yields (reaches a recognized
// request-wait syscall or, for the master, returns from main), faults, or
// exceeds the timeout budget.
//
// Grounded on the tinykvm run loop described in original_source/src/vm.cpp
// (machine().run(budget)) and on the per-thread SIGALRM watchdog pattern
// used by microVM monitors to interrupt a blocking KVM_RUN(2) ioctl: Run
// locks the calling goroutine to its OS thread (spec.md §5: "one OS thread
// per worker" already guarantees this is safe to do from the master-boot and
// worker call sites) and arms a timer that signals that thread directly.
func (m *Machine) Run(timeoutSeconds float64) error {
	runtime.LockOSThread()

	// A machine handed to Run already sitting at a recognized wait point
	// (true on a worker's first resume, since Fork and ResetTo copy the
	// master's waiting state, and after any run that stopped at a wait
	// syscall — spec.md §9 "Register-level resumption trap") needs the -EINTR
	// injection replayed so the guest actually leaves its blocking syscall
	// instead of re-trapping on the exact same one.
	if m.waiting {
		if err := m.ApplyResumptionTrap(); err != nil {
			return newFault(FaultOther, 0, fmt.Errorf("re-arming resumption trap: %w", err))
		}
	}

	tid := unix.Gettid()

	var timedOut atomic.Bool

	timer := time.AfterFunc(time.Duration(timeoutSeconds*float64(time.Second)), func() {
		timedOut.Store(true)
		_ = unix.Tgkill(unix.Getpid(), tid, unix.SIGALRM)
	})
	defer timer.Stop()

	m.waiting = false

	for {
		reason, data, err := m.vcpu.run1()
		if err != nil {
			if err == errInterrupted {
				if timedOut.Load() {
					return newFault(FaultTimeout, 0, fmt.Errorf("exceeded %.2fs budget", timeoutSeconds))
				}
				// Interrupted by something other than our watchdog; the
				// resumption trap contract means the guest will simply
				// re-enter its wait syscall, so re-run.
				continue
			}

			return newFault(FaultOther, data, err)
		}

		switch reason {
		case ExitShutdown:
			// Clean guest exit: recognized only by the single-VM,
			// non-ephemeral shortcut (spec.md §4.3 step 7).
			return nil
		case ExitFailEntry, ExitInternalError:
			return newFault(FaultMachine, data, fmt.Errorf("vcpu exit reason %d", reason))
		case ExitIO, ExitMMIO:
			done, err := m.handleSyscallExit()
			if err != nil {
				return newFault(FaultOther, data, err)
			}

			if done {
				return nil
			}
			// else: syscall handled, resume the vcpu.
		case ExitHLT:
			return nil
		default:
			return newFault(FaultOther, data, fmt.Errorf("unhandled vcpu exit reason %d", reason))
		}
	}
}

// handleSyscallExit inspects the vCPU's registers per the standard x86-64
// Linux syscall ABI (RAX=number, RDI/RSI/RDX/R10/R8/R9=args, RCX=return
// address left by the SYSCALL instruction) and either services the call via
// the FD subsystem or recognizes it as the request-wait point.
//
// It returns done=true when the guest has reached a recognized wait syscall
// (Run should stop and let the caller snapshot the suspension point).
func (m *Machine) handleSyscallExit() (bool, error) {
	regs, err := m.vcpu.getRegisters()
	if err != nil {
		return false, err
	}

	num := regs.RAX
	args := [6]uint64{regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8, regs.R9}

	if waitSyscalls[num] {
		m.waiting = true
		m.waitSyscall = num
		m.savedNextRIP = regs.RCX

		return true, nil
	}

	result, handled := m.fds.handle(num, args)
	if !handled {
		return false, fmt.Errorf("unhandled guest syscall %d", num)
	}

	regs.RAX = uint64(result)

	return false, m.vcpu.setRegisters(regs)
}

// ApplyResumptionTrap emulates the return to user mode for a guest paused in
// the kernel-mode handler of its wait syscall (spec.md §4.3 step 9): RIP is
// set to the saved next-RIP and RAX to -EINTR, so the guest's wait syscall
// observes an interrupted return and the guest program loops back into its
// service loop (or handles a request) the next time it runs.
func (m *Machine) ApplyResumptionTrap() error {
	regs, err := m.vcpu.getRegisters()
	if err != nil {
		return err
	}

	regs.RIP = m.savedNextRIP
	regs.RAX = uint64(int64(-4)) // -EINTR

	return m.vcpu.setRegisters(regs)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
