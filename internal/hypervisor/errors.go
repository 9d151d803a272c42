package hypervisor

import "fmt"

// FaultKind classifies a run failure the way the two call sites in spec.md §7
// need to distinguish it: a timeout (host-enforced wall clock budget) versus
// a machine fault reported by KVM versus anything else.
type FaultKind int

const (
	FaultTimeout FaultKind = iota
	FaultMachine
	FaultOther
)

func (k FaultKind) String() string {
	switch k {
	case FaultTimeout:
		return "timeout"
	case FaultMachine:
		return "machine fault"
	default:
		return "fault"
	}
}

// Fault is the tagged result variant DESIGN NOTES in spec.md §9 calls for in
// place of exceptions-as-control-flow: Run/ResumeFork/ResetTo return a *Fault
// (wrapped as a Go error) instead of distinct exception types, and the two
// call sites (master boot, worker loop) switch on Kind.
type Fault struct {
	Kind FaultKind
	Data uint64 // the faulting exit-reason data word, surfaced in worker fault logs
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v (data=0x%x)", f.Kind, f.Err, f.Data)
	}

	return fmt.Sprintf("%s (data=0x%x)", f.Kind, f.Data)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind FaultKind, data uint64, err error) *Fault {
	return &Fault{Kind: kind, Data: data, Err: err}
}
