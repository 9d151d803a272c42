// Package telemetry is the ambient logging/narration layer: a thin
// printf-shaped closure instead of a logging framework, matching the
// teacher's own choice for this kind of operational narration
// (cmd/agent-sandbox's Debugf closures threaded through sandbox.Config) —
// see SPEC_FULL.md's AMBIENT STACK section.
package telemetry

import (
	"fmt"
	"io"
)

// Logger is a printf-shaped sink. A nil Logger is valid and silently
// discards everything, mirroring the teacher's "Debugf may be nil" contract.
type Logger func(format string, args ...any)

// New returns a Logger that writes one line per call to w, or a no-op Logger
// if w is nil (matching the teacher's `if debugf != nil` guard pattern,
// inverted so call sites never need to nil-check).
func New(w io.Writer) Logger {
	if w == nil {
		return func(string, ...any) {}
	}

	return func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
	}
}

// Fault formats the one-line-per-fault message spec.md §6 requires: "worker
// index, error string, and faulting data word."
func Fault(workerIndex int, err error, data uint64) string {
	return fmt.Sprintf("worker %d: %v (data=0x%x)", workerIndex, err, data)
}
