package hypervisor

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// BinaryType classifies how a guest ELF image must be loaded (spec.md §4.2
// "Binary selection for the master").
type BinaryType int

const (
	BinaryUnknown BinaryType = iota
	BinaryStatic
	BinaryStaticPIE
	BinaryDynamic
)

func (t BinaryType) String() string {
	switch t {
	case BinaryStatic:
		return "static"
	case BinaryStaticPIE:
		return "static-pie"
	case BinaryDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// InterpreterPath is the dynamic linker the master is booted from when the
// guest ELF carries a PT_INTERP segment, matching the standard Linux
// interpreter protocol (spec.md §4.2, §4.3 step 3).
const InterpreterPath = "/lib64/ld-linux-x86-64.so.2"

// elfInfo is the result of inspecting a guest binary for interpreter and
// position-independence.
type elfInfo struct {
	hasInterpreter bool
	isDynamic      bool // ET_DYN: PIE or plain shared object
}

// inspectELF classifies a guest binary. It never needs to be a general ELF
// loader (the actual segment mapping into guest memory is part of Machine
// construction) — only enough of the header to answer the interpreter/PIE
// questions spec.md §4.2 needs.
//
// debug/elf is used for this: no example repo or retrieval-pack file wires a
// third-party ELF parser for this kind of header inspection, and the
// standard library's package is the complete, stable tool for it.
func inspectELF(data []byte) (elfInfo, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return elfInfo{}, fmt.Errorf("hypervisor: parsing ELF: %w", err)
	}
	defer f.Close()

	info := elfInfo{
		isDynamic: f.Type == elf.ET_DYN,
	}

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			info.hasInterpreter = true

			break
		}
	}

	return info, nil
}

func classifyBinary(info elfInfo) BinaryType {
	switch {
	case info.hasInterpreter:
		return BinaryDynamic
	case info.isDynamic:
		return BinaryStaticPIE
	default:
		return BinaryStatic
	}
}

// ClassifyBinary inspects a guest ELF image and reports its BinaryType,
// without constructing a Machine. internal/sandbox uses this ahead of
// NewMachineFromELF to decide whether the machine must be built from the
// dynamic linker's image instead of the program binary itself (spec.md §4.2
// "Binary selection for the master").
func ClassifyBinary(data []byte) (BinaryType, error) {
	info, err := inspectELF(data)
	if err != nil {
		return BinaryUnknown, err
	}

	return classifyBinary(info), nil
}
