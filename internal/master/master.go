// Package master implements the strict master-boot sequence of spec.md §4.3:
// construct the master from its ELF image, drive it to the first
// request-wait syscall, snapshot that suspension point, and freeze it as a
// pristine copy-on-write fork source. Any failure here is fatal for the
// process (spec.md §4.3: "any failure is fatal").
package master

import (
	"errors"
	"fmt"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/policy"
	"github.com/tinyvm/supervisor/internal/sandbox"
	"github.com/tinyvm/supervisor/internal/telemetry"
)

// Sentinel errors for spec.md §7's boot error taxonomy. Callers match them
// with errors.Is; the original hypervisor.Fault (if any) is still reachable
// via errors.As.
var (
	ErrBootTimeout    = errors.New("master did not reach the wait point within max_boot_time")
	ErrBootFault      = errors.New("hypervisor reported a fault during master boot")
	ErrBootDidNotWait = errors.New("master exited or blocked somewhere that is not a recognized request-wait")
)

// MainStackSize is MAIN_STACK_SIZE (spec.md §4.3 step 1): the fixed guest
// stack region allocated before anything else runs.
const MainStackSize = 8 << 20 // 8 MiB

// BootInput bundles everything Boot needs.
type BootInput struct {
	Binary      []byte // the guest program's ELF image
	Interpreter []byte // the dynamic linker's image, loaded once at hypervisor init

	Policy     *policy.Policy
	TenantName string

	// Log receives the verbose_pagetable dump (spec.md §4.3 step 5) when
	// Policy.VerbosePagetable is set. Nil is fine: the dump is skipped.
	Log telemetry.Logger

	// Warmup is invoked once the master has reached its wait point, before
	// the resumption trap and the final CoW freeze (spec.md §4.3 step 8).
	Warmup func(*sandbox.Sandbox) error

	// SingleVMHint is concurrency==1 && !ephemeral (spec.md §4.3 step 7,
	// SPEC_FULL.md supplemented feature #1): in this mode a clean guest exit
	// is accepted in place of a recognized wait point.
	SingleVMHint bool
}

// BootResult carries what the supervisor needs after a successful boot.
type BootResult struct {
	Sandbox   *sandbox.Sandbox
	CleanExit bool // guest exited cleanly under the single-VM shortcut; see spec.md §4.5 step 4
}

// Boot runs the full master construction and boot sequence (spec.md §4.3
// steps 1-10).
func Boot(in BootInput) (*BootResult, error) {
	opts := hypervisor.MachineOptions{
		MaxMemory:          in.Policy.AddressSpace,
		MaxCowMemory:       in.Policy.MaxRequestMemory,
		DylinkAddressHint:  in.Policy.DylinkAddressHint,
		HeapAddressHint:    in.Policy.HeapAddressHint,
		Remappings:         toMachineRemappings(in.Policy.Remappings),
		VerboseLoader:      in.Policy.VerboseGeneral,
		Hugepages:          in.Policy.Hugepages,
		SplitHugepages:     in.Policy.SplitHugepages,
		RelocateFixedMmap:  in.Policy.RelocateFixedMmap,
		ExecutableHeap:     in.Policy.ExecutableHeap,
		ClockUsesRDTSC:     in.Policy.ClockUsesRDTSC,
		HugepagesArenaSize: in.Policy.HugepageArenaSize,
	}

	sb, err := sandbox.MasterConstruct(in.Binary, in.Interpreter, in.Policy, opts)
	if err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}

	// Step 1: fixed-size guest stack, stack pointer at the top.
	stackBase, err := sb.Machine.MmapAllocate(MainStackSize)
	if err != nil {
		return nil, fmt.Errorf("master: allocating guest stack: %w", err)
	}

	if err := sb.Machine.SetStackAddress(stackBase + MainStackSize); err != nil {
		return nil, fmt.Errorf("master: setting stack pointer: %w", err)
	}

	// Step 2: working-memory ceiling = main-memory size — the one moment the
	// master may accrue dirty pages cheaply.
	if err := sb.Machine.PrepareCopyOnWrite(in.Policy.MainMemory); err != nil {
		return nil, fmt.Errorf("master: preparing CoW (boot phase): %w", err)
	}

	// Step 3: a dynamic binary's own path is registered as guest-readable and
	// passed as argv[1] behind the linker (spec.md §4.2, §4.3 step 3).
	if sb.BinaryType == hypervisor.BinaryDynamic {
		sb.Machine.FDs().AddReadonlyFile(in.Policy.ProgramPath)
	}

	argv := sb.BuildArgv(in.TenantName)
	envp := sb.BuildEnvp(in.TenantName)

	// Step 4: lay out argv/envp/auxv into guest memory below the stack.
	if err := sb.Machine.SetupLinux(argv, envp); err != nil {
		return nil, fmt.Errorf("master: laying out process-start stack: %w", err)
	}

	// Step 5: optional verbose page-table dump, just before the boot run
	// (vm.cpp: "If verbose pagetables, print them just before running").
	if in.Policy.VerbosePagetable && in.Log != nil {
		in.Log("%s", sb.Machine.PrintPagetables())
	}

	// Step 6: run to the first request-wait, bounded by max_boot_time.
	runErr := sb.Machine.Run(in.Policy.MaxBootTime)
	if runErr != nil {
		var fault *hypervisor.Fault
		if errors.As(runErr, &fault) {
			switch fault.Kind {
			case hypervisor.FaultTimeout:
				return nil, fmt.Errorf("master: %w: %w", ErrBootTimeout, fault)
			default:
				return nil, fmt.Errorf("master: %w: %w", ErrBootFault, fault)
			}
		}

		return nil, fmt.Errorf("master: %w: %w", ErrBootFault, runErr)
	}

	// Step 7: assert the wait point, except the single-VM non-ephemeral
	// shortcut accepts a clean guest exit.
	if !sb.IsWaitingForRequests() {
		if in.SingleVMHint {
			return &BootResult{Sandbox: sb, CleanExit: true}, nil
		}

		return nil, fmt.Errorf("master: %w", ErrBootDidNotWait)
	}

	sb.DetectPollMethod()

	// Step 8: optional warmup, run while the master can still be mutated.
	if in.Warmup != nil {
		if err := in.Warmup(sb); err != nil {
			return nil, fmt.Errorf("master: warmup callback: %w", err)
		}
	}

	// Step 9: snapshot the suspension point — emulate the return to user
	// mode so every fork resumes as if interrupted out of its wait.
	if err := sb.Machine.ApplyResumptionTrap(); err != nil {
		return nil, fmt.Errorf("master: applying resumption trap: %w", err)
	}

	// Step 10: re-freeze as a pristine CoW source.
	if err := sb.Machine.PrepareCopyOnWrite(0); err != nil {
		return nil, fmt.Errorf("master: preparing CoW (freeze phase): %w", err)
	}

	return &BootResult{Sandbox: sb}, nil
}

func toMachineRemappings(rs []policy.Remapping) []hypervisor.VirtualRemapping {
	out := make([]hypervisor.VirtualRemapping, len(rs))
	for i, r := range rs {
		out[i] = hypervisor.VirtualRemapping{
			Virtual:    r.Virtual,
			Physical:   r.Physical,
			Size:       r.Size,
			Writable:   r.Writable,
			Executable: r.Executable,
		}
	}

	return out
}
