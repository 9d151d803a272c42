package sandbox

import (
	"testing"

	"github.com/tinyvm/supervisor/internal/hypervisor"
	"github.com/tinyvm/supervisor/internal/policy"
)

func loadPolicy(t *testing.T, doc string) *policy.Policy {
	t.Helper()

	p, err := policy.Load(policy.LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}

	return p
}

// TestComputeResetOptions_Bounded checks that limit_req_mem reaches the reset
// options as ResetFreeWorkMemory, in bytes.
func TestComputeResetOptions_Bounded(t *testing.T) {
	pol := loadPolicy(t, `{"filename":"/bin/p","max_memory":64,"address_space":64,"limit_req_mem":4}`)

	opts := computeResetOptions(pol, pol, false)

	if opts.ResetFreeWorkMemory != 4<<20 {
		t.Errorf("ResetFreeWorkMemory = %d, want %d", opts.ResetFreeWorkMemory, 4<<20)
	}
}

// TestComputeResetOptions_ResetNeededOneShot is spec.md §8 property 8:
// resetNeeded=true discards working memory even when
// ephemeral_keep_working_memory is set.
func TestComputeResetOptions_ResetNeededOneShot(t *testing.T) {
	pol := loadPolicy(t, `{"filename":"/bin/p","max_memory":64,"address_space":64,"ephemeral_keep_working_memory":true}`)

	withFlag := computeResetOptions(pol, pol, true)
	if withFlag.KeepAllWorkMemory {
		t.Error("reset_needed=true should force discard even with EphemeralKeepWorkMemory")
	}

	withoutFlag := computeResetOptions(pol, pol, false)
	if !withoutFlag.KeepAllWorkMemory {
		t.Error("reset_needed=false should honor EphemeralKeepWorkMemory")
	}
}

func TestMarkResetNeeded_IsOneShot(t *testing.T) {
	sb := &Sandbox{}

	sb.MarkResetNeeded()

	if !sb.resetNeeded.Swap(false) {
		t.Fatal("expected resetNeeded to be set after MarkResetNeeded")
	}

	if sb.resetNeeded.Swap(false) {
		t.Error("resetNeeded should have been cleared by the first Swap")
	}
}

func TestBuildArgv_DynamicBinary(t *testing.T) {
	pol := loadPolicy(t, `{"filename":"/bin/p","max_memory":1,"address_space":1,"main_arguments":["x"]}`)

	sb := &Sandbox{Policy: pol, BinaryType: hypervisor.BinaryDynamic}

	argv := sb.BuildArgv("tenant")
	if len(argv) != 3 || argv[1] != "/bin/p" || argv[2] != "x" {
		t.Errorf("dynamic argv = %v", argv)
	}
}
