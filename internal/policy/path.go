package policy

import (
	"encoding/json"
	"fmt"
)

// pathDoc is the wire shape of one "allowed_paths" entry (spec.md §4.1
// "Construction — Path entries"):
//
//   - a bare string means virtual == real, read-only;
//   - an object must carry "real" and optionally "virtual", "writable",
//     "symlink", "usable_in_fork", "prefix".
type pathDoc struct {
	raw json.RawMessage
}

func (p *pathDoc) UnmarshalJSON(data []byte) error {
	p.raw = append(json.RawMessage(nil), data...)

	return nil
}

type pathObject struct {
	Real string `json:"real"`

	// Virtual and VirtualPath are both accepted; spec.md §9 Open Question (a)
	// notes the original reads both with VirtualPath taking precedence — this
	// port keeps that precedence rule (documented in DESIGN.md) so a document
	// written against either field name behaves the same way.
	Virtual     string `json:"virtual"`
	VirtualPath string `json:"virtual_path"`

	Writable     bool `json:"writable"`
	Symlink      bool `json:"symlink"`
	UsableInFork bool `json:"usable_in_fork"`
	Prefix       bool `json:"prefix"`
}

func (p pathDoc) resolve(dv dollarVars) (AllowedPath, error) {
	var bare string
	if err := json.Unmarshal(p.raw, &bare); err == nil {
		real := dv.apply(bare)

		return AllowedPath{Real: real, Virtual: real}, nil
	}

	var obj pathObject
	if err := json.Unmarshal(p.raw, &obj); err != nil {
		return AllowedPath{}, fmt.Errorf("policy: %w: malformed allowed_paths entry %s: %v", ErrConfig, p.raw, err)
	}

	if obj.Real == "" {
		return AllowedPath{}, fmt.Errorf("policy: %w: allowed_paths entry %s missing required field \"real\"", ErrConfig, p.raw)
	}

	real := dv.apply(obj.Real)

	virtual := real
	if obj.Virtual != "" {
		virtual = dv.apply(obj.Virtual)
	}

	if obj.VirtualPath != "" {
		virtual = dv.apply(obj.VirtualPath)
	}

	return AllowedPath{
		Real:         real,
		Virtual:      virtual,
		Writable:     obj.Writable,
		Symlink:      obj.Symlink,
		UsableInFork: obj.UsableInFork,
		Prefix:       obj.Prefix,
	}, nil
}
