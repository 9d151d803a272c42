package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_MegabyteNormalization(t *testing.T) {
	doc := `{
		"filename": "/bin/prog",
		"max_memory": 64,
		"address_space": 128,
		"max_request_memory": 4,
		"limit_req_mem": 2
	}`

	p, err := Load(LoadInput{Document: []byte(doc), Home: "/home/u", PWD: "/work"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := p.MainMemory, uint64(64)<<20; got != want {
		t.Errorf("MainMemory = %d, want %d", got, want)
	}

	if got, want := p.AddressSpace, uint64(128)<<20; got != want {
		t.Errorf("AddressSpace = %d, want %d", got, want)
	}

	if p.AddressSpace < p.MainMemory {
		t.Errorf("invariant violated: address_space (%d) < max_memory (%d)", p.AddressSpace, p.MainMemory)
	}
}

// TestLoad_DefaultsAppliedForAbsentKeys is spec.md §4.1 "required fields
// have defaults": a minimal document must boot on the documented defaults
// rather than on json's zero values.
func TestLoad_DefaultsAppliedForAbsentKeys(t *testing.T) {
	doc := `{"filename": "/bin/prog"}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", p.Concurrency)
	}

	if p.MaxBootTime != 20 {
		t.Errorf("MaxBootTime = %v, want 20", p.MaxBootTime)
	}

	if p.MaxRequestTime != 8 {
		t.Errorf("MaxRequestTime = %v, want 8", p.MaxRequestTime)
	}

	if got, want := p.MainMemory, uint64(8*1024)<<20; got != want {
		t.Errorf("MainMemory = %d, want %d", got, want)
	}

	if got, want := p.AddressSpace, uint64(128*1024)<<20; got != want {
		t.Errorf("AddressSpace = %d, want %d", got, want)
	}

	if got, want := p.MaxRequestMemory, uint64(128)<<20; got != want {
		t.Errorf("MaxRequestMemory = %d, want %d", got, want)
	}

	if got, want := p.LimitRequestMemory, uint64(128)<<20; got != want {
		t.Errorf("LimitRequestMemory = %d, want %d", got, want)
	}

	if got, want := p.DylinkAddressHint, uint64(2)<<20; got != want {
		t.Errorf("DylinkAddressHint = %d, want %d", got, want)
	}

	if got, want := p.HeapAddressHint, uint64(256)<<20; got != want {
		t.Errorf("HeapAddressHint = %d, want %d", got, want)
	}

	if !p.ExecutableHeap {
		t.Error("ExecutableHeap default = false, want true")
	}

	if !p.SplitHugepages {
		t.Error("SplitHugepages default = false, want true")
	}

	if !p.RelocateFixedMmap {
		t.Error("RelocateFixedMmap default = false, want true")
	}

	if !p.EphemeralKeepWorkMemory {
		t.Error("EphemeralKeepWorkMemory default = false, want true")
	}

	if p.CurrentWorkingDirectory != "/" {
		t.Errorf("CurrentWorkingDirectory = %q, want \"/\"", p.CurrentWorkingDirectory)
	}

	if p.WarmupIntraConnectRequests != 100 {
		t.Errorf("WarmupIntraConnectRequests = %d, want 100", p.WarmupIntraConnectRequests)
	}

	if p.WarmupPath != "/" {
		t.Errorf("WarmupPath = %q, want \"/\"", p.WarmupPath)
	}
}

// TestLoad_ExplicitZeroOverridesDefault checks that an explicit 0 in the
// document (as opposed to an absent key) wins over the default — the
// overlay only fills in keys the document never set.
func TestLoad_ExplicitZeroOverridesDefault(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1, "heap_address_hint": 0}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.HeapAddressHint != 0 {
		t.Errorf("HeapAddressHint = %d, want 0 (explicit override)", p.HeapAddressHint)
	}
}

func TestLoad_AddressSpaceBelowMainMemory_IsConfigError(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 64, "address_space": 32}`

	_, err := Load(LoadInput{Document: []byte(doc)})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestLoad_DollarSubstitution_Idempotent(t *testing.T) {
	doc := `{
		"filename": "/bin/prog",
		"max_memory": 1,
		"address_space": 1,
		"current_working_directory": "$HOME/work",
		"allowed_paths": ["$HOME/data"],
		"environment": ["FOO=$PWD/bar"]
	}`

	in := LoadInput{Document: []byte(doc), Home: "/home/alice", PWD: "/srv/app"}

	first, err := Load(in)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// Re-run the loader on a document built from the already-substituted
	// values: since neither substitution value itself contains the literal
	// "$HOME"/"$PWD", re-substituting is a no-op (spec.md §8 property 1).
	secondDoc := `{
		"filename": "/bin/prog",
		"max_memory": 1,
		"address_space": 1,
		"current_working_directory": "` + first.CurrentWorkingDirectory + `",
		"allowed_paths": ["` + first.AllowedPaths[0].Real + `"],
		"environment": ["` + first.Environment[0] + `"]
	}`

	second, err := Load(LoadInput{Document: []byte(secondDoc), Home: in.Home, PWD: in.PWD})
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if diff := cmp.Diff(first.CurrentWorkingDirectory, second.CurrentWorkingDirectory); diff != "" {
		t.Errorf("cwd not idempotent (-first +second):\n%s", diff)
	}

	if diff := cmp.Diff(first.Environment, second.Environment); diff != "" {
		t.Errorf("environment not idempotent (-first +second):\n%s", diff)
	}

	if diff := cmp.Diff(first.AllowedPaths, second.AllowedPaths); diff != "" {
		t.Errorf("allowed paths not idempotent (-first +second):\n%s", diff)
	}
}

// TestLoad_HomePrefixedAllowedPath is spec.md §8 scenario S6.
func TestLoad_HomePrefixedAllowedPath(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1, "allowed_paths": ["$HOME/data"]}`

	p, err := Load(LoadInput{Document: []byte(doc), Home: "/home/bob"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := AllowedPath{Real: "/home/bob/data", Virtual: "/home/bob/data"}
	if diff := cmp.Diff(want, p.AllowedPaths[0]); diff != "" {
		t.Errorf("allowed path (-want +got):\n%s", diff)
	}
}

func TestLoad_AddressFamilyRouting(t *testing.T) {
	doc := `{
		"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"allowed_networks": [
			{"address": "127.0.0.1", "port": 80},
			{"address": "::1", "port": 443},
			{"path": "/run/guest.sock"}
		]
	}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(p.AllowedIPv4) != 1 || p.AllowedIPv4[0].Address != "127.0.0.1" {
		t.Errorf("AllowedIPv4 = %+v", p.AllowedIPv4)
	}

	if len(p.AllowedIPv6) != 1 || p.AllowedIPv6[0].Address != "::1" {
		t.Errorf("AllowedIPv6 = %+v", p.AllowedIPv6)
	}

	if len(p.AllowedUnixPaths) != 1 || p.AllowedUnixPaths[0] != "/run/guest.sock" {
		t.Errorf("AllowedUnixPaths = %+v", p.AllowedUnixPaths)
	}

	if got, want := p.AllowedIPv4[0].Port(), uint16(80); got != want {
		t.Errorf("ipv4 port = %d, want %d", got, want)
	}
}

func TestLoad_AllowedNetworksAmbiguous_IsConfigError(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"allowed_networks": [{"address": "127.0.0.1", "domain": "example.com"}]}`

	_, err := Load(LoadInput{Document: []byte(doc)})
	if err == nil || !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// TestLoad_InvalidRemapping is spec.md §8 scenario S5.
func TestLoad_InvalidRemapping(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1, "remappings": [42]}`

	_, err := Load(LoadInput{Document: []byte(doc)})
	if err == nil {
		t.Fatal("expected error for malformed remapping entry")
	}

	if !strings.Contains(err.Error(), "42") {
		t.Errorf("error %q does not mention the offending fragment", err)
	}
}

func TestLoad_RemappingDefaults(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"remappings": [["0x1000", 2]],
		"executable_remappings": [["8192", 1]]}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(p.Remappings) != 2 {
		t.Fatalf("got %d remappings, want 2", len(p.Remappings))
	}

	rw := p.Remappings[0]
	if rw.Virtual != 0x1000 {
		t.Errorf("plain remapping virtual = %#x, want 0x1000 (hex-string address)", rw.Virtual)
	}

	if !rw.Writable || rw.Executable {
		t.Errorf("plain remapping = %+v, want R+W only", rw)
	}

	rwx := p.Remappings[1]
	if rwx.Virtual != 8192 {
		t.Errorf("executable remapping virtual = %d, want 8192 (decimal-string address)", rwx.Virtual)
	}

	if !rwx.Writable || !rwx.Executable {
		t.Errorf("executable remapping = %+v, want R+W+X", rwx)
	}
}

func TestLoad_RemappingObjectShape(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"remappings": [{"virtual": 4096, "size": 1, "physical": 8192, "writable": false}]}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Remapping{Virtual: 4096, Physical: 8192, Size: 1 << 20, Writable: false}
	if diff := cmp.Diff(want, p.Remappings[0]); diff != "" {
		t.Errorf("remapping (-want +got):\n%s", diff)
	}
}

// TestLoad_RemappingObjectPermissionsDefaultFalse covers config.cpp's
// remap.value("writable"/"executable", false) default: object-form entries
// with no permission keys get neither, unlike the pair form's list-implied
// defaults.
func TestLoad_RemappingObjectPermissionsDefaultFalse(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"remappings": [{"virtual": 4096, "size": 1}]}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rm := p.Remappings[0]
	if rm.Writable || rm.Executable {
		t.Errorf("remapping = %+v, want both writable and executable false by default", rm)
	}
}

// TestLoad_RemappingLargeAddress_NoFloat64PrecisionLoss covers addresses
// above 2^53, where a float64 round-trip would silently lose low bits.
func TestLoad_RemappingLargeAddress_NoFloat64PrecisionLoss(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"remappings": [["0x100000000000001", 1]],
		"executable_remappings": [{"virtual": 72057594037927937, "size": 1}]}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.Remappings[0].Virtual != 0x100000000000001 {
		t.Errorf("pair-form virtual = %#x, want 0x100000000000001", p.Remappings[0].Virtual)
	}

	if p.Remappings[1].Virtual != 72057594037927937 {
		t.Errorf("object-form virtual = %d, want 72057594037927937", p.Remappings[1].Virtual)
	}
}

func TestLoad_MissingFilename_IsConfigError(t *testing.T) {
	doc := `{"max_memory": 1, "address_space": 1}`

	_, err := Load(LoadInput{Document: []byte(doc)})
	if err == nil {
		t.Fatal("expected error for missing filename")
	}
}

func TestLoad_VerboseEnvForcesBothFlags(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1}`

	p, err := Load(LoadInput{Document: []byte(doc), Verbose: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !p.VerboseGeneral || !p.VerboseSyscalls {
		t.Errorf("VerboseGeneral=%v VerboseSyscalls=%v, want both true", p.VerboseGeneral, p.VerboseSyscalls)
	}
}

func TestLoad_CommentsPermitted(t *testing.T) {
	doc := `{
		// a comment
		"filename": "/bin/prog",
		"max_memory": 1,
		"address_space": 1,
	}`

	if _, err := Load(LoadInput{Document: []byte(doc)}); err != nil {
		t.Fatalf("Load with comments: %v", err)
	}
}

func TestLookupPath(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1,
		"allowed_paths": [{"real": "/opt/data", "virtual": "/data", "writable": true}]}`

	p, err := Load(LoadInput{Document: []byte(doc)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	entry, ok := p.LookupPath("/data")
	if !ok {
		t.Fatal("expected /data to be indexed")
	}

	if entry.Real != "/opt/data" || !entry.Writable {
		t.Errorf("entry = %+v", entry)
	}

	if _, ok := p.LookupPath("/nope"); ok {
		t.Error("expected /nope to be absent from the index")
	}
}

func TestLoad_CLIOverridesWinOverDocument(t *testing.T) {
	doc := `{"filename": "/bin/prog", "max_memory": 1, "address_space": 1, "main_arguments": ["a"]}`

	p, err := Load(LoadInput{
		Document:              []byte(doc),
		ProgramPathOverride:   "/bin/other",
		MainArgumentsOverride: []string{"b", "c"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.ProgramPath != "/bin/other" {
		t.Errorf("ProgramPath = %q, want override", p.ProgramPath)
	}

	if diff := cmp.Diff([]string{"b", "c"}, p.MainArguments); diff != "" {
		t.Errorf("MainArguments (-want +got):\n%s", diff)
	}
}
