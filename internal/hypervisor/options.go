package hypervisor

// MachineOptions configures a freshly constructed Machine (the master). It
// mirrors the fields tinykvm::MachineOptions carries in original_source/src/vm.cpp,
// renamed to Go conventions.
type MachineOptions struct {
	MaxMemory           uint64 // address-space ceiling, bytes
	MaxCowMemory        uint64 // per-request CoW ceiling, bytes
	DylinkAddressHint   uint64
	HeapAddressHint     uint64
	Remappings          []VirtualRemapping
	VerboseLoader       bool
	Hugepages           bool
	SplitHugepages      bool
	RelocateFixedMmap   bool
	ExecutableHeap      bool
	ClockUsesRDTSC      bool
	HugepagesArenaSize  uint64
	MasterDirectWrites  bool
}

// VirtualRemapping is one guest-virtual memory remapping entry (spec.md §3).
type VirtualRemapping struct {
	Virtual    uint64
	Physical   uint64 // 0 means "allocate from guest heap"
	Size       uint64
	Writable   bool
	Executable bool
}

// ForkOptions configures a copy-on-write derivation of a worker from the
// master (spec.md §4.4).
type ForkOptions struct {
	MaxMemory      uint64
	MaxCowMemory   uint64
	Hugepages      bool
	SplitHugepages bool
	ClockUsesRDTSC bool
}

// ResetOptions configures resetting a worker back to the master snapshot
// (spec.md §4.4 "Reset semantics").
type ResetOptions struct {
	MaxMemory           uint64
	MaxCowMemory        uint64
	ResetFreeWorkMemory uint64 // bytes of working memory to keep resident; rest returned to host
	CopyAllRegisters    bool
	KeepAllWorkMemory   bool
}
