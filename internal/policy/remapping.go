package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// remappingDoc is the wire shape of one "remappings"/"executable_remappings"
// entry. It accepts two shapes (spec.md §4.1 "Construction"):
//
//   - a pair [addr, size_MB] — permissions come from which list it was
//     found in (remappings: R+W; executable_remappings: R+W+X). addr is a
//     string, optionally "0x"-prefixed hex, matching config.cpp's
//     `std::stoull(address, nullptr, 16)` / decimal fallback;
//   - an object {virtual, size, physical?, executable?, writable?} —
//     permissions taken verbatim from the object, defaulting to false/false
//     when absent (config.cpp `remap.value("executable"/"writable", false)`).
//
// This mirrors the teacher's CommandRule custom (Un)MarshalJSON
// (cmd/agent-sandbox/config.go), which also accepts two JSON shapes for one
// Go field and disambiguates by trying each shape in turn.
type remappingDoc struct {
	raw json.RawMessage
}

func (r *remappingDoc) UnmarshalJSON(data []byte) error {
	r.raw = append(json.RawMessage(nil), data...)

	return nil
}

type remappingObject struct {
	Virtual    json.Number  `json:"virtual"`
	Size       json.Number  `json:"size"`
	Physical   *json.Number `json:"physical"`
	Executable *bool        `json:"executable"`
	Writable   *bool        `json:"writable"`
}

// resolve decodes the entry, applying the list-default permissions
// (fromExecutableList selects R+W+X vs R+W) when the pair shape was used.
func (r remappingDoc) resolve(fromExecutableList bool, dv dollarVars) (Remapping, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(r.raw, &pair); err == nil {
		if len(pair) != 2 {
			return Remapping{}, fmt.Errorf("policy: %w: remapping pair must have exactly 2 elements, got %s", ErrConfig, r.raw)
		}

		virt, err := parseAddress(pair[0])
		if err != nil {
			return Remapping{}, fmt.Errorf("policy: %w: remapping pair address: %v", ErrConfig, err)
		}

		size, err := parseUint(pair[1])
		if err != nil {
			return Remapping{}, fmt.Errorf("policy: %w: remapping pair size: %v", ErrConfig, err)
		}

		return Remapping{
			Virtual:    virt,
			Physical:   0,
			Size:       megabytesToBytes(float64(size)),
			Writable:   true,
			Executable: fromExecutableList,
		}, nil
	}

	var obj remappingObject
	if err := json.Unmarshal(r.raw, &obj); err != nil {
		return Remapping{}, fmt.Errorf("policy: %w: malformed remapping entry %s: %v", ErrConfig, r.raw, err)
	}

	virt, err := strconv.ParseUint(string(obj.Virtual), 10, 64)
	if err != nil {
		return Remapping{}, fmt.Errorf("policy: %w: remapping object \"virtual\": %v", ErrConfig, err)
	}

	size, err := strconv.ParseUint(string(obj.Size), 10, 64)
	if err != nil {
		return Remapping{}, fmt.Errorf("policy: %w: remapping object \"size\": %v", ErrConfig, err)
	}

	rm := Remapping{
		Virtual: virt,
		Size:    megabytesToBytes(float64(size)),
	}

	if obj.Physical != nil {
		phys, err := strconv.ParseUint(string(*obj.Physical), 10, 64)
		if err != nil {
			return Remapping{}, fmt.Errorf("policy: %w: remapping object \"physical\": %v", ErrConfig, err)
		}

		rm.Physical = phys
	}

	if obj.Writable != nil {
		rm.Writable = *obj.Writable
	}

	if obj.Executable != nil {
		rm.Executable = *obj.Executable
	}

	_ = dv // reserved: remapping entries carry no string fields today

	return rm, nil
}

// parseAddress decodes a pair-form remapping address, a JSON string that may
// carry a "0x"/"0X" hex prefix (config.cpp's std::stoull(address, nullptr,
// 16) path) or a plain decimal string.
func parseAddress(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("address must be a JSON string, got %s", raw)
	}

	s = strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}

	if rest, ok := strings.CutPrefix(s, "0X"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}

	return strconv.ParseUint(s, 10, 64)
}

// parseUint decodes a pair-form remapping size, a plain JSON integer,
// without the float64 round-trip that loses precision above 2^53.
func parseUint(raw json.RawMessage) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("expected an integer, got %s", raw)
	}

	return strconv.ParseUint(string(n), 10, 64)
}
