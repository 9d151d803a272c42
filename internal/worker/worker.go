// Package worker implements the per-worker resume/fault/reset loop of
// spec.md §4.4: a Worker owns one forked Sandbox and drives it forever on
// its own OS thread, recovering from every timeout and fault via reset
// rather than ever exiting.
package worker

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/sandbox"
	"github.com/tinyvm/supervisor/internal/telemetry"
)

// debuggerAcceptTimeout is the fixed accept window for DEBUG=1 (spec.md §6).
const debuggerAcceptTimeout = 60 * time.Second

// Worker drives one forked Sandbox through spec.md §4.4's loop.
type Worker struct {
	Sandbox *sandbox.Sandbox
	Log     telemetry.Logger

	// Debug opens the debugger after a fault (env DEBUG=1).
	Debug bool
	// DebugFork opens the debugger immediately after fork, before the first
	// resume (env DEBUG_FORK=1).
	DebugFork bool

	// Accept opens a listener and blocks until one GDB client connects, or
	// the accept window elapses. Nil disables the debugger path entirely
	// (the default outside of internal/supervisor's wiring).
	Accept func() error
}

// New builds a Worker around sb, reading DEBUG/DEBUG_FORK from the process
// environment (spec.md §6).
func New(sb *sandbox.Sandbox, log telemetry.Logger) *Worker {
	return &Worker{
		Sandbox:   sb,
		Log:       log,
		Debug:     os.Getenv("DEBUG") == "1",
		DebugFork: os.Getenv("DEBUG_FORK") == "1",
	}
}

// Run is the worker's main loop (spec.md §4.4). It never returns under
// normal operation — every error is logged and converted into a reset.
func (w *Worker) Run() {
	if w.DebugFork {
		w.openDebugger()
	}

	for {
		w.runOnce()
	}
}

// runOnce is one iteration of the loop, factored out of Run so a test can
// drive it without an infinite loop.
func (w *Worker) runOnce() {
	failure := w.resume()

	if failure && w.Debug {
		w.openDebugger()
	}

	if shouldReset(w.Sandbox.Policy.Ephemeral, failure) {
		if err := w.Sandbox.ResetToMaster(); err != nil {
			w.logf("worker %d: reset failed: %v", w.Sandbox.WorkerIndex, err)
		}
	}
}

// shouldReset implements spec.md §4.4's "if master.ephemeral or failure:
// reset_to(master)" condition as a pure, independently testable predicate.
func shouldReset(ephemeral, failure bool) bool {
	return ephemeral || failure
}

// resume runs the sandbox forward once and reports whether it failed.
// spec.md §4.4 names three distinct catch arms (Timeout, Fault, Other) but
// all three collapse to the same log-and-fail handling here: the
// hypervisor.Fault already carries the distinguishing Kind in its message.
func (w *Worker) resume() bool {
	err := w.Sandbox.Resume()
	if err == nil {
		return false
	}

	w.logf("%s", faultMessage(w.Sandbox.WorkerIndex, err))

	return true
}

// faultMessage renders one fault-log line (spec.md §6 "Stdout/stderr": "one
// line per fault with worker index, error string, and faulting data word").
// Factored out as a pure function so its shape can be tested without a real
// hypervisor.Fault-producing Machine.
func faultMessage(workerIndex int, err error) string {
	var fault *hypervisor.Fault
	if errors.As(err, &fault) {
		return fmt.Sprintf("worker %d: %s fault: %v (data=0x%x)", workerIndex, fault.Kind, fault, fault.Data)
	}

	return fmt.Sprintf("worker %d: %v", workerIndex, err)
}

func (w *Worker) openDebugger() {
	if w.Accept == nil {
		return
	}

	if err := w.Sandbox.OpenDebugger(w.Accept, debuggerAcceptTimeout); err != nil {
		// A broken debugger session must not escape the worker loop
		// (spec.md §4.4 propagation policy).
		w.logf("worker %d: debugger: %v", w.Sandbox.WorkerIndex, err)
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Log != nil {
		w.Log(format, args...)
	}
}
