package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"
)

// LoadInput holds everything Load needs: the raw configuration document
// bytes, argv-derived overrides, and the process environment it substitutes
// $HOME/$PWD from (spec.md §4.1).
type LoadInput struct {
	Document []byte
	Home     string
	PWD      string

	// ProgramPathOverride, MainArgumentsOverride let a CLI flag win over the
	// document's "filename"/"main_arguments", matching the teacher's
	// CLI-flags-are-final-layer precedence (cmd/agent-sandbox/config.go
	// applyCLIFlags).
	ProgramPathOverride   string
	MainArgumentsOverride []string

	// Verbose forces both verbosity flags on, matching spec.md §4.1 "If the
	// environment variable VERBOSE is set, both general and syscall
	// verbosity are forced on."
	Verbose bool
}

// document is the wire shape of the configuration document (spec.md §6).
// Unrecognized fields are ignored (no DisallowUnknownFields, unlike the
// teacher's cmd/agent-sandbox/config.go — spec.md §4.1 says explicitly
// "Unrecognized fields are ignored").
type document struct {
	Filename    string  `json:"filename"`
	Concurrency int     `json:"concurrency"`
	MaxBootTime float64 `json:"max_boot_time"`
	MaxReqTime  float64 `json:"max_req_time"`

	MaxMemory             float64 `json:"max_memory"`
	AddressSpace           float64 `json:"address_space"`
	MaxRequestMemory       float64 `json:"max_request_memory"`
	LimitReqMem            float64 `json:"limit_req_mem"`
	SharedMemory           float64 `json:"shared_memory"`
	DylinkAddressHint      float64 `json:"dylink_address_hint"`
	HeapAddressHint        float64 `json:"heap_address_hint"`
	HugepageArenaSize      float64 `json:"hugepage_arena_size"`
	HugepageRequestsArena  float64 `json:"hugepage_requests_arena"`

	ExecutableHeap             bool `json:"executable_heap"`
	ClockGettimeUsesRDTSC      bool `json:"clock_gettime_uses_rdtsc"`
	Hugepages                  bool `json:"hugepages"`
	SplitHugepages             bool `json:"split_hugepages"`
	TransparentHugepages       bool `json:"transparent_hugepages"`
	RelocateFixedMmap          bool `json:"relocate_fixed_mmap"`
	Ephemeral                  bool `json:"ephemeral"`
	EphemeralKeepWorkingMemory bool `json:"ephemeral_keep_working_memory"`

	Verbose          bool `json:"verbose"`
	VerboseSyscalls  bool `json:"verbose_syscalls"`
	VerbosePagetable bool `json:"verbose_pagetable"`

	CurrentWorkingDirectory string `json:"current_working_directory"`

	NetworkAllowConnect bool `json:"network_allow_connect"`
	NetworkAllowListen  bool `json:"network_allow_listen"`

	WarmupConnectRequests      int    `json:"warmup_connect_requests"`
	WarmupIntraConnectRequests int    `json:"warmup_intra_connect_requests"`
	WarmupPath                 string `json:"warmup_path"`

	Environment   []string `json:"environment"`
	MainArguments []string `json:"main_arguments"`

	Remappings           []remappingDoc `json:"remappings"`
	ExecutableRemappings []remappingDoc `json:"executable_remappings"`

	AllowedPaths    []pathDoc    `json:"allowed_paths"`
	AllowedNetworks []networkDoc `json:"allowed_networks"`
}

// defaultDocument returns the document pre-populated with every field's
// documented default (config.hpp's member initializers), so that
// json.Decoder.Decode only overwrites the keys actually present in the
// configuration document and leaves the rest at their defaults — the same
// "start from a fully-initialized Configuration and overlay json.value(key,
// field)" approach config.cpp uses, since encoding/json never zeroes a
// struct field whose key is absent from the document.
func defaultDocument() document {
	return document{
		Concurrency: 1,

		MaxBootTime: 20,
		MaxReqTime:  8,

		MaxMemory:        8 * 1024,
		AddressSpace:     128 * 1024,
		MaxRequestMemory: 128,
		LimitReqMem:      128,

		DylinkAddressHint: 2,
		HeapAddressHint:   256,

		ExecutableHeap:             true,
		SplitHugepages:             true,
		RelocateFixedMmap:          true,
		EphemeralKeepWorkingMemory: true,

		CurrentWorkingDirectory: "/",

		WarmupIntraConnectRequests: 100,
		WarmupPath:                 "/",
	}
}

// Load parses a configuration document into a validated Policy, applying
// dollar-variable substitution and megabyte-to-byte normalization exactly
// once (spec.md §4.1, §8 properties 1-2).
func Load(in LoadInput) (*Policy, error) {
	standardized, err := hujson.Standardize(append([]byte(nil), in.Document...))
	if err != nil {
		return nil, fmt.Errorf("policy: %w: %v", ErrConfig, err)
	}

	doc := defaultDocument()

	dec := json.NewDecoder(bytes.NewReader(standardized))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("policy: %w: parsing configuration document: %v", ErrConfig, err)
	}

	dv := dollarVars{home: in.Home, pwd: in.PWD}

	p := &Policy{
		ProgramPath:    dv.apply(doc.Filename),
		Concurrency:    doc.Concurrency,
		MaxBootTime:    doc.MaxBootTime,
		MaxRequestTime: doc.MaxReqTime,

		AddressSpace:          megabytesToBytes(doc.AddressSpace),
		MainMemory:            megabytesToBytes(doc.MaxMemory),
		MaxRequestMemory:      megabytesToBytes(doc.MaxRequestMemory),
		LimitRequestMemory:    megabytesToBytes(doc.LimitReqMem),
		SharedMemory:          megabytesToBytes(doc.SharedMemory),
		DylinkAddressHint:     megabytesToBytes(doc.DylinkAddressHint),
		HeapAddressHint:       megabytesToBytes(doc.HeapAddressHint),
		HugepageArenaSize:     megabytesToBytes(doc.HugepageArenaSize),
		HugepageRequestsArena: megabytesToBytes(doc.HugepageRequestsArena),

		ExecutableHeap:          doc.ExecutableHeap,
		ClockUsesRDTSC:          doc.ClockGettimeUsesRDTSC,
		Hugepages:               doc.Hugepages,
		SplitHugepages:          doc.SplitHugepages,
		TransparentHugepages:    doc.TransparentHugepages,
		RelocateFixedMmap:       doc.RelocateFixedMmap,
		Ephemeral:               doc.Ephemeral,
		EphemeralKeepWorkMemory: doc.EphemeralKeepWorkingMemory,

		VerboseGeneral:   doc.Verbose || in.Verbose,
		VerboseSyscalls:  doc.VerboseSyscalls || in.Verbose,
		VerbosePagetable: doc.VerbosePagetable,

		CurrentWorkingDirectory: dv.apply(doc.CurrentWorkingDirectory),

		NetworkAllowConnect: doc.NetworkAllowConnect,
		NetworkAllowListen:  doc.NetworkAllowListen,

		WarmupConnectRequests:      doc.WarmupConnectRequests,
		WarmupIntraConnectRequests: doc.WarmupIntraConnectRequests,
		WarmupPath:                 dv.apply(doc.WarmupPath),
	}

	for _, s := range doc.Environment {
		p.Environment = append(p.Environment, dv.apply(s))
	}

	p.MainArguments = make([]string, 0, len(doc.MainArguments))
	for _, s := range doc.MainArguments {
		p.MainArguments = append(p.MainArguments, dv.apply(s))
	}

	if in.ProgramPathOverride != "" {
		p.ProgramPath = in.ProgramPathOverride
	}

	if len(in.MainArgumentsOverride) > 0 {
		p.MainArguments = in.MainArgumentsOverride
	}

	for _, r := range doc.Remappings {
		rm, err := r.resolve(false, dv)
		if err != nil {
			return nil, err
		}

		p.Remappings = append(p.Remappings, rm)
	}

	for _, r := range doc.ExecutableRemappings {
		rm, err := r.resolve(true, dv)
		if err != nil {
			return nil, err
		}

		p.Remappings = append(p.Remappings, rm)
	}

	for _, entry := range doc.AllowedPaths {
		ap, err := entry.resolve(dv)
		if err != nil {
			return nil, err
		}

		p.AllowedPaths = append(p.AllowedPaths, ap)
	}

	p.pathIndex = buildPathIndex(p.AllowedPaths)

	for _, n := range doc.AllowedNetworks {
		if err := n.route(p); err != nil {
			return nil, err
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// buildPathIndex builds the virtual-path -> AllowedPaths side-index spec.md
// §3 describes for rewrite lookup. Later entries win over earlier ones with
// the same virtual path, matching the teacher's config-layer-merge
// last-one-wins convention (cmd/agent-sandbox/config.go mergeConfigs).
func buildPathIndex(paths []AllowedPath) map[string]int {
	idx := make(map[string]int, len(paths))
	for i, p := range paths {
		idx[p.Virtual] = i
	}

	return idx
}
