// Package policy encodes the immutable, validated sandbox Policy described in
// spec.md §3: memory sizes, path/network allow-lists, timeouts, verbosity,
// and warmup, produced once at startup from a configuration document plus
// argv (spec.md §4.1) and shared read-only for the rest of the process
// (spec.md §5 "Shared resources").
package policy

import "fmt"

// Policy is the immutable, validated record every Sandbox, Master, and
// Worker holds a read-only reference to. It is constructed once by Load and
// never mutated afterward (spec.md §3 "Lifecycle").
type Policy struct {
	ProgramPath string
	Concurrency int

	MaxBootTime    float64 // seconds
	MaxRequestTime float64 // seconds

	AddressSpace        uint64 // bytes; ceiling on total guest memory
	MainMemory          uint64 // bytes; max_memory
	MaxRequestMemory    uint64 // bytes; per-request CoW ceiling
	LimitRequestMemory  uint64 // bytes; per-request retained-after-reset ceiling
	SharedMemory        uint64 // bytes
	DylinkAddressHint   uint64
	HeapAddressHint     uint64
	HugepageArenaSize   uint64 // bytes; master arena
	HugepageRequestsArena uint64 // bytes; per-request arena

	ExecutableHeap         bool
	ClockUsesRDTSC          bool
	Hugepages               bool
	SplitHugepages          bool
	TransparentHugepages    bool
	RelocateFixedMmap       bool
	Ephemeral               bool
	EphemeralKeepWorkMemory bool

	VerboseGeneral   bool
	VerboseSyscalls  bool
	VerbosePagetable bool

	Environment   []string
	MainArguments []string

	Remappings []Remapping

	AllowedPaths []AllowedPath
	pathIndex    map[string]int // virtual path -> index into AllowedPaths, for rewrite lookup

	CurrentWorkingDirectory string

	AllowedUnixPaths []string
	AllowedIPv4      []NetworkEndpoint
	AllowedIPv6      []NetworkEndpoint

	NetworkAllowConnect bool
	NetworkAllowListen  bool

	WarmupConnectRequests      int
	WarmupIntraConnectRequests int
	WarmupPath                 string
}

// Remapping is one guest-virtual memory remapping (spec.md §3).
type Remapping struct {
	Virtual    uint64
	Physical   uint64 // 0 means "allocate from guest heap"
	Size       uint64 // bytes
	Writable   bool
	Executable bool
}

// AllowedPath is one entry of the guest's filesystem allow-list (spec.md §3).
type AllowedPath struct {
	Real          string
	Virtual       string
	Writable      bool
	Symlink       bool
	UsableInFork  bool
	Prefix        bool
}

// NetworkEndpoint is one allowed IPv4/IPv6 network entry (spec.md §3).
type NetworkEndpoint struct {
	Address  string // dotted-quad or literal IPv6; resolved already if it came from "domain"
	PortNet  [2]byte // port in network byte order (spec.md §4.1: "stored in network byte order")
	HasPort  bool
	Listen   bool
}

// Port decodes PortNet back to a host-order value for display/comparison.
func (n NetworkEndpoint) Port() uint16 {
	return uint16(n.PortNet[0])<<8 | uint16(n.PortNet[1])
}

// PathIndex returns the virtual-path -> AllowedPaths-index side-index used by
// the open-readable rewrite callback (spec.md §4.2).
func (p *Policy) PathIndex() map[string]int { return p.pathIndex }

// LookupPath finds the allowed-path entry registered for a virtual path,
// mirroring the open-readable rewrite lookup in spec.md §4.2.
func (p *Policy) LookupPath(virtual string) (AllowedPath, bool) {
	i, ok := p.pathIndex[virtual]
	if !ok {
		return AllowedPath{}, false
	}

	return p.AllowedPaths[i], true
}

// validate enforces the Policy invariant from spec.md §3: address-space must
// be at least main memory, and all byte sizes must be finite (i.e. already
// normalized, non-negative — guaranteed by the uint64 type, so only the
// address-space/main-memory relationship needs checking here).
func (p *Policy) validate() error {
	if p.ProgramPath == "" {
		return fmt.Errorf("policy: %w: filename is required", ErrConfig)
	}

	if p.Concurrency < 1 {
		return fmt.Errorf("policy: %w: concurrency must be >= 1, got %d", ErrConfig, p.Concurrency)
	}

	if p.MainMemory == 0 {
		return fmt.Errorf("policy: %w: max_memory must be non-zero", ErrConfig)
	}

	if p.AddressSpace < p.MainMemory {
		return fmt.Errorf("policy: %w: address_space (%d) must be >= max_memory (%d)", ErrConfig, p.AddressSpace, p.MainMemory)
	}

	return nil
}

func megabytesToBytes(mb float64) uint64 {
	return uint64(mb * (1 << 20))
}
