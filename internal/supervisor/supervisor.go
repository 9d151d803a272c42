//go:build linux

// Package supervisor is the process entry point of spec.md §4.5: it
// initializes the hypervisor subsystem once, loads the dynamic-linker image
// and the guest program binary, constructs and boots the master, emits the
// boot banner, and then either runs the master in place (single-VM
// shortcut) or forks and supervises spec.md's concurrency of worker
// threads, joining them forever.
package supervisor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/master"
	"github.com/tinyvm/supervisor/internal/policy"
	"github.com/tinyvm/supervisor/internal/sandbox"
	"github.com/tinyvm/supervisor/internal/telemetry"
	"github.com/tinyvm/supervisor/internal/worker"
)

// Supervisor owns the per-worker reset-counter telemetry. The dynamic-linker
// image is not a field: Run reads it into a local buffer and hands it to
// master.Boot.
type Supervisor struct {
	Policy          *policy.Policy
	TenantName      string
	InterpreterPath string // host path to the dynamic linker image, loaded once

	// WarmupDialAddr is the loopback address the warmup callback dials
	// (spec.md §4.3 step 8, SPEC_FULL.md supplemented feature #4). Empty
	// disables warmup regardless of what Policy's warmup fields request.
	WarmupDialAddr string

	// DebugAccept, if set, is wired into every spawned worker's debugger
	// path (spec.md §6 DEBUG/DEBUG_FORK). Nil disables the debugger
	// entirely — the default unless a caller plugs in
	// internal/debugserver.Accept.
	DebugAccept func() error

	Log telemetry.Logger

	counters ResetCounters
}

// debuggerAcceptTimeout is the fixed accept window for DEBUG=1 (spec.md §6),
// matching internal/worker's own constant of the same value.
const debuggerAcceptTimeout = 60 * time.Second

// Run executes spec.md §4.5's process entry sequence and returns the exit
// code. It normally does not return past step 8 (spawn workers, join).
func (sv *Supervisor) Run() int {
	// Step 2: one-time hypervisor init + dynamic-linker image load into a
	// process-global buffer.
	if err := hypervisor.Init(); err != nil {
		sv.logf("fatal: %v", err)

		return 1
	}

	var interpreter []byte

	if sv.InterpreterPath != "" {
		data, err := os.ReadFile(sv.InterpreterPath)
		if err != nil {
			sv.logf("fatal: loading dynamic linker image: %v", err)

			return 1
		}

		interpreter = data
	}

	// Step 3: memory-map the program binary.
	binary, unmap, err := mmapFile(sv.Policy.ProgramPath)
	if err != nil {
		sv.logf("fatal: %v", err)

		return 1
	}
	defer unmap()

	singleVM := sv.Policy.Concurrency == 1 && !sv.Policy.Ephemeral

	var warmupElapsed time.Duration

	var warmupFn func(*sandbox.Sandbox) error
	if sv.WarmupDialAddr != "" {
		warmupFn = timedWarmup(warmupCallback(sv.Policy, sv.WarmupDialAddr), &warmupElapsed)
	}

	// Step 4: construct the master and boot it to its wait point.
	bootStart := time.Now()

	result, err := master.Boot(master.BootInput{
		Binary:       binary,
		Interpreter:  interpreter,
		Policy:       sv.Policy,
		TenantName:   sv.TenantName,
		SingleVMHint: singleVM,
		Warmup:       warmupFn,
		Log:          sv.Log,
	})
	if err != nil {
		sv.logf("fatal: %v", err)

		return 1
	}

	bootTime := time.Since(bootStart)

	if result.CleanExit {
		return 0
	}

	// Step 5: release the mapped binary's RSS without unmapping it.
	if err := unix.Madvise(binary, unix.MADV_DONTNEED); err != nil {
		sv.logf("warning: madvise(DONTNEED) on program binary: %v", err)
	}

	// Step 6: one informational boot banner line.
	sv.logf("%s", telemetry.Banner(telemetry.BannerInput{
		ProgramPath:  sv.Policy.ProgramPath,
		PollMethod:   result.Sandbox.PollMethod.String(),
		Concurrency:  sv.Policy.Concurrency,
		Ephemeral:    sv.Policy.Ephemeral,
		Hugepages:    sv.Policy.Hugepages,
		SplitHuge:    sv.Policy.SplitHugepages,
		BootTime:     bootTime,
		WarmupTime:   warmupElapsed,
		ProcessRSSMB: readRSSMB(),
	}))

	// Step 7: single-VM, non-ephemeral shortcut — no forking.
	if singleVM {
		sv.runInline(result.Sandbox)

		return 0
	}

	// Step 8: spawn concurrency worker threads and join (normally: never
	// returns).
	sv.spawnWorkers(result.Sandbox)

	return 0
}

// runInline implements spec.md §4.5 step 7: with no forking involved, the
// master itself is driven in a fault-handling loop on the calling thread.
// On fault it opens the debugger (env DEBUG=1) exactly like a forked
// worker's resume loop, before self-resetting (main.cpp's just_one_vm loop:
// "if (failure) { if (getenv("DEBUG")) vm.open_debugger(); }").
func (sv *Supervisor) runInline(m *sandbox.Sandbox) {
	debug := os.Getenv("DEBUG") == "1"

	for {
		if err := m.Machine.Run(sv.Policy.MaxRequestTime); err != nil {
			sv.logf("master: %v", err)

			if debug && sv.DebugAccept != nil {
				if err := m.OpenDebugger(sv.DebugAccept, debuggerAcceptTimeout); err != nil {
					sv.logf("master: debugger: %v", err)
				}
			}

			if resetErr := m.SelfReset(); resetErr != nil {
				sv.logf("master: self-reset failed: %v", resetErr)
			}
		}
	}
}

// spawnWorkers implements spec.md §4.5 step 8: fork `concurrency` workers,
// each on its own OS thread, and block forever (workers never voluntarily
// exit; spec.md §5 "Cancellation and timeouts").
func (sv *Supervisor) spawnWorkers(master *sandbox.Sandbox) {
	done := make(chan struct{})

	for i := 0; i < sv.Policy.Concurrency; i++ {
		workerIndex := i

		go func() {
			runtime.LockOSThread()

			sb, err := sandbox.ForkConstruct(master, workerIndex)
			if err != nil {
				sv.logf("worker %d: fatal fork error: %v", workerIndex, err)

				return
			}

			sb.ResetCallback = sv.resetCallback(workerIndex)

			w := worker.New(sb, sv.Log)
			w.Accept = sv.DebugAccept

			w.Run()
		}()
	}

	<-done // workers never exit; this channel is never written to.
}

// resetCallback builds the per-worker reset callback spec.md §4.4 calls
// "Reset callback": it increments that worker's counter and, for worker 0,
// emits either the coalesced progress line (every 64th reset, starting with
// the very first) or a single progress dot in between (spec.md §5 "Ordering
// guarantees"; main.cpp's on-reset lambda: the coalesced line on
// `reset_counter % 64 == 0`, a bare "." otherwise). The counter itself is
// always kept (spec.md §6's telemetry still needs it for later reporting),
// but all output is verbose-only, matching main.cpp's on-reset lambda
// returning early when `!vm.config().verbose`. The dot is emitted through
// the same one-line-per-call Logger as everything else (internal/telemetry
// has no partial-line write), so it surfaces as its own line rather than
// literally accumulating on one line the way main.cpp's raw fprintf does.
func (sv *Supervisor) resetCallback(workerIndex int) func() {
	return func() {
		count := sv.counters.Increment(workerIndex)

		if !sv.Policy.VerboseGeneral || workerIndex != 0 {
			return
		}

		if ShouldCoalescedReport(workerIndex, count) {
			sv.logf("resets: %s", sv.counters.CoalescedLine())
		} else {
			sv.logf(".")
		}
	}
}

func (sv *Supervisor) logf(format string, args ...any) {
	if sv.Log != nil {
		sv.Log(format, args...)
	}
}

// mmapFile memory-maps path read-only (spec.md §4.5 step 3) and returns the
// mapped bytes plus an unmap function.
func mmapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: opening program binary: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: stat program binary: %w", err)
	}

	if info.Size() == 0 {
		return nil, nil, fmt.Errorf("supervisor: program binary %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: mmap program binary: %w", err)
	}

	return data, func() { _ = unix.Munmap(data) }, nil
}

// readRSSMB reads the process's resident set size from /proc/self/statm
// (spec.md §4.5 step 6), returning 0 if it cannot be read.
func readRSSMB() int64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}

	var sizePages, residentPages int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &sizePages, &residentPages); err != nil {
		return 0
	}

	return residentPages * int64(os.Getpagesize()) / (1 << 20)
}
