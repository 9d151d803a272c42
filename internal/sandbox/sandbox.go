// Package sandbox wraps one hypervisor.Machine with its Policy view, binary
// reference, and lifecycle state (spec.md §3 "Sandbox", §4.2 "Sandbox —
// common contract").
package sandbox

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/policy"
)

// PollMethod is the request-wait mechanism a Sandbox recognized the guest
// using, recorded for diagnostics (spec.md §3).
type PollMethod int

const (
	PollUndefined PollMethod = iota
	PollEpoll
	PollPoll
)

func (p PollMethod) String() string {
	switch p {
	case PollEpoll:
		return "epoll"
	case PollPoll:
		return "poll"
	default:
		return "undefined"
	}
}

// waitSyscallToPollMethod mirrors the x86-64 syscall numbers internal/hypervisor
// treats as request-wait points, so a Sandbox can report which one the guest
// actually used.
var waitSyscallToPollMethod = map[uint64]PollMethod{
	232: PollEpoll, // epoll_wait
	7:   PollPoll,  // poll
	23:  PollPoll,  // select
	43:  PollPoll,  // accept
	288: PollPoll,  // accept4
}

// Sandbox owns one hypervisor Machine and the Policy view it was constructed
// with (spec.md §3 "Invariant: exactly one Sandbox in the process is the
// master; all others hold a non-owning reference to it").
type Sandbox struct {
	Machine *hypervisor.Machine
	Policy  *policy.Policy

	// WorkerIndex is undefined (-1) for the master.
	WorkerIndex int
	Ephemeral   bool
	BinaryType  hypervisor.BinaryType
	PollMethod  PollMethod

	isMaster bool
	master   *Sandbox // non-owning reference; nil for the master itself

	resetNeeded  atomic.Bool
	ResetCallback func()
}

// MasterWorkerIndex is the sentinel WorkerIndex value for the master
// Sandbox, which spec.md §3 leaves undefined.
const MasterWorkerIndex = -1

// MasterConstruct prepares an unbooted master Sandbox from a fresh
// hypervisor machine (spec.md §4.2 "Master construct").
//
// binary is the guest program's ELF image. interpreter is the dynamic
// linker's image, loaded once at hypervisor init (spec.md §4.5 step 2); it is
// only consulted when binary carries a PT_INTERP segment (spec.md §4.2
// "Binary selection for the master").
func MasterConstruct(binary, interpreter []byte, pol *policy.Policy, opts hypervisor.MachineOptions) (*Sandbox, error) {
	binType, err := hypervisor.ClassifyBinary(binary)
	if err != nil {
		return nil, fmt.Errorf("sandbox: classifying binary: %w", err)
	}

	bootImage := binary
	if binType == hypervisor.BinaryDynamic {
		bootImage = interpreter
	}

	m, err := hypervisor.NewMachineFromELF(bootImage, opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox: constructing master machine: %w", err)
	}

	sb := &Sandbox{
		Machine:     m,
		Policy:      pol,
		WorkerIndex: MasterWorkerIndex,
		Ephemeral:   pol.Ephemeral,
		BinaryType:  binType,
		isMaster:    true,
	}

	wireMaster(sb)

	return sb, nil
}

// BuildArgv constructs the guest argv for the master boot (spec.md §4.3 step
// 3). For a dynamic binary this follows the standard Linux interpreter
// protocol: the linker path first, then the program path, then the user's
// own arguments; for a static binary argv[0] is the tenant name.
func (s *Sandbox) BuildArgv(tenantName string) []string {
	if s.BinaryType == hypervisor.BinaryDynamic {
		argv := make([]string, 0, 2+len(s.Policy.MainArguments))
		argv = append(argv, hypervisor.InterpreterPath, s.Policy.ProgramPath)
		argv = append(argv, s.Policy.MainArguments...)

		return argv
	}

	argv := make([]string, 0, 1+len(s.Policy.MainArguments))
	argv = append(argv, tenantName)
	argv = append(argv, s.Policy.MainArguments...)

	return argv
}

// BuildEnvp constructs the guest environment: the policy's own additions
// plus KVM_NAME=<tenantName> (spec.md §4.3 step 3, §6).
func (s *Sandbox) BuildEnvp(tenantName string) []string {
	envp := make([]string, 0, len(s.Policy.Environment)+1)
	envp = append(envp, s.Policy.Environment...)
	envp = append(envp, "KVM_NAME="+tenantName)

	return envp
}

// ForkConstruct derives a copy-on-write child Sandbox from the master
// (spec.md §4.2 "Fork construct", §4.4).
func ForkConstruct(master *Sandbox, workerIndex int) (*Sandbox, error) {
	opts := hypervisor.ForkOptions{
		MaxMemory:      master.Policy.MainMemory,
		MaxCowMemory:   master.Policy.MaxRequestMemory,
		Hugepages:      master.Policy.Hugepages,
		SplitHugepages: master.Policy.SplitHugepages,
		ClockUsesRDTSC: master.Policy.ClockUsesRDTSC,
	}

	m, err := hypervisor.Fork(master.Machine, opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox: forking worker %d: %w", workerIndex, err)
	}

	sb := &Sandbox{
		Machine:     m,
		Policy:      master.Policy,
		WorkerIndex: workerIndex,
		Ephemeral:   master.Ephemeral,
		BinaryType:  master.BinaryType,
		PollMethod:  master.PollMethod,
		isMaster:    false,
		master:      master,
	}

	wireFork(sb, master)

	return sb, nil
}

// IsWaitingForRequests reports whether the guest is suspended in a
// recognized request-wait syscall (spec.md §4.2 "Is-waiting-for-requests").
func (s *Sandbox) IsWaitingForRequests() bool {
	return s.Machine.IsWaitingForRequests()
}

// Resume runs a worker until it next yields or faults (spec.md §4.2
// "Resume"). Workers only.
func (s *Sandbox) Resume() error {
	if s.isMaster {
		return fmt.Errorf("sandbox: Resume called on the master")
	}

	return s.Machine.Run(s.Policy.MaxRequestTime)
}

// ResetToMaster returns a worker to the master snapshot (spec.md §4.2
// "Reset-to-master", §4.4 "Reset semantics"). Workers only.
func (s *Sandbox) ResetToMaster() error {
	if s.isMaster {
		return fmt.Errorf("sandbox: ResetToMaster called on the master")
	}

	resetNeeded := s.resetNeeded.Swap(false)
	opts := computeResetOptions(s.Policy, s.master.Policy, resetNeeded)

	if err := s.Machine.ResetTo(s.master.Machine, opts); err != nil {
		return fmt.Errorf("sandbox: reset worker %d: %w", s.WorkerIndex, err)
	}

	if s.ResetCallback != nil {
		s.ResetCallback()
	}

	return nil
}

// SelfReset recovers the master sandbox itself when the process runs
// without any forked worker (spec.md §4.5 step 7: `concurrency == 1 &&
// !ephemeral`). There is no separate fork to reset from in this mode; the
// master resets to its own frozen snapshot.
func (s *Sandbox) SelfReset() error {
	if !s.isMaster {
		return fmt.Errorf("sandbox: SelfReset called on a non-master sandbox")
	}

	opts := computeResetOptions(s.Policy, s.Policy, s.resetNeeded.Swap(false))

	return s.Machine.ResetTo(s.Machine, opts)
}

// computeResetOptions derives the hypervisor.ResetOptions for one reset
// cycle (spec.md §4.4 "Reset semantics"). resetNeeded is the worker's
// one-shot flag at the moment ResetToMaster was called: when true, the reset
// discards all working memory regardless of EphemeralKeepWorkMemory
// (spec.md §4.4 rationale: "a worker that has been explicitly told it is
// dirty... must not retain potentially poisoned pages").
func computeResetOptions(workerPolicy, masterPolicy *policy.Policy, resetNeeded bool) hypervisor.ResetOptions {
	return hypervisor.ResetOptions{
		MaxMemory:           masterPolicy.AddressSpace,
		MaxCowMemory:        workerPolicy.MaxRequestMemory,
		ResetFreeWorkMemory: workerPolicy.LimitRequestMemory,
		CopyAllRegisters:    true,
		KeepAllWorkMemory:   !resetNeeded && workerPolicy.EphemeralKeepWorkMemory,
	}
}

// MarkResetNeeded is the one-shot signal from SPEC_FULL.md's supplemented
// "reset_needed" API surface: it forces the next ResetToMaster to discard all
// working memory regardless of EphemeralKeepWorkMemory, then clears itself
// (spec.md §4.4 "Reset semantics").
func (s *Sandbox) MarkResetNeeded() {
	s.resetNeeded.Store(true)
}

// OpenDebugger blocks on a TCP port for a remote GDB connection (spec.md
// §4.2 "Open-debugger"). The GDB remote-serial protocol itself is out of
// scope (spec.md §1); this only provides the accept-with-timeout boundary a
// caller plugs a debugger stub into.
func (s *Sandbox) OpenDebugger(accept func() error, timeout time.Duration) error {
	done := make(chan error, 1)

	go func() { done <- accept() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("sandbox: debugger accept timed out after %s", timeout)
	}
}

// DetectPollMethod records which request-wait syscall the master actually
// used (spec.md §4.3 step 7), for the boot banner diagnostic (SPEC_FULL.md
// supplemented feature #2).
func (s *Sandbox) DetectPollMethod() {
	s.recordPollMethod(s.Machine.WaitSyscall())
}

// recordPollMethod is called once the master has reached its wait point
// (spec.md §4.3 step 7), translating the recognized wait syscall into the
// PollMethod diagnostic SPEC_FULL.md's SUPPLEMENTED FEATURES section #2 adds
// back from original_source/src/vm.cpp.
func (s *Sandbox) recordPollMethod(waitSyscall uint64) {
	if pm, ok := waitSyscallToPollMethod[waitSyscall]; ok {
		s.PollMethod = pm
	} else {
		s.PollMethod = PollUndefined
	}
}
