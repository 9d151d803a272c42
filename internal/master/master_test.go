package master

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/policy"
)

func TestToMachineRemappings(t *testing.T) {
	in := []policy.Remapping{
		{Virtual: 0x1000, Physical: 0, Size: 4096, Writable: true, Executable: false},
		{Virtual: 0x2000, Physical: 0x500000, Size: 8192, Writable: false, Executable: true},
	}

	got := toMachineRemappings(in)
	want := []hypervisor.VirtualRemapping{
		{Virtual: 0x1000, Physical: 0, Size: 4096, Writable: true, Executable: false},
		{Virtual: 0x2000, Physical: 0x500000, Size: 8192, Writable: false, Executable: true},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("toMachineRemappings mismatch (-want +got):\n%s", diff)
	}
}

func TestToMachineRemappings_Empty(t *testing.T) {
	got := toMachineRemappings(nil)
	if len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}

// TestBootErrors_WrapFaultKind checks the inputs of the classification Boot
// applies to a hypervisor.Fault surfaced from Machine.Run (spec.md §7):
// errors.As finds the *hypervisor.Fault, and its Kind tells a timeout from a
// machine fault. It does not run Boot itself.
func TestBootErrors_WrapFaultKind(t *testing.T) {
	timeoutFault := &hypervisor.Fault{Kind: hypervisor.FaultTimeout}
	machineFault := &hypervisor.Fault{Kind: hypervisor.FaultMachine}

	var asFault *hypervisor.Fault

	if !errors.As(error(timeoutFault), &asFault) {
		t.Fatal("errors.As should match *hypervisor.Fault")
	}

	if asFault.Kind != hypervisor.FaultTimeout {
		t.Errorf("Kind = %v, want FaultTimeout", asFault.Kind)
	}

	if machineFault.Kind == hypervisor.FaultTimeout {
		t.Error("machine fault misclassified as timeout")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	if errors.Is(ErrBootTimeout, ErrBootFault) {
		t.Error("ErrBootTimeout and ErrBootFault should be distinct sentinels")
	}

	if errors.Is(ErrBootFault, ErrBootDidNotWait) {
		t.Error("ErrBootFault and ErrBootDidNotWait should be distinct sentinels")
	}
}
