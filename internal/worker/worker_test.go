package worker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/sandbox"
)

func TestShouldReset(t *testing.T) {
	cases := []struct {
		ephemeral, failure, want bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, true},
		{true, true, true},
	}

	for _, c := range cases {
		if got := shouldReset(c.ephemeral, c.failure); got != c.want {
			t.Errorf("shouldReset(%v, %v) = %v, want %v", c.ephemeral, c.failure, got, c.want)
		}
	}
}

func TestFaultMessage_WrapsHypervisorFault(t *testing.T) {
	fault := &hypervisor.Fault{Kind: hypervisor.FaultTimeout, Data: 0xdead, Err: errors.New("exceeded budget")}

	msg := faultMessage(3, fault)

	if !strings.Contains(msg, "worker 3") {
		t.Errorf("message missing worker index: %q", msg)
	}

	if !strings.Contains(msg, "0xdead") {
		t.Errorf("message missing faulting data word: %q", msg)
	}

	if !strings.Contains(msg, "timeout") {
		t.Errorf("message missing fault kind: %q", msg)
	}
}

func TestFaultMessage_PlainError(t *testing.T) {
	msg := faultMessage(1, errors.New("boom"))

	if !strings.Contains(msg, "worker 1") || !strings.Contains(msg, "boom") {
		t.Errorf("message = %q", msg)
	}
}

func TestOpenDebugger_NilAcceptIsNoop(t *testing.T) {
	w := &Worker{Sandbox: &sandbox.Sandbox{}}

	// Must not panic or block: Accept is nil.
	w.openDebugger()
}

func TestOpenDebugger_LogsAcceptError(t *testing.T) {
	var logged string

	w := &Worker{
		Sandbox: &sandbox.Sandbox{},
		Log:     func(format string, args ...any) { logged = fmt.Sprintf(format, args...) },
		Accept:  func() error { return errors.New("connection refused") },
	}

	w.openDebugger()

	if !strings.Contains(logged, "connection refused") {
		t.Errorf("expected accept error to be logged, got %q", logged)
	}
}
