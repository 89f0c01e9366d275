// Package selection models field selections over live entities and the pure
// operations the client needs to share one subscription among many
// subscribers: merging, projecting data, and detecting selection changes.
package selection

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Selection maps field names to their selection.
type Selection map[string]Field

// Field is the selection of a single field. It is a closed two-case variant:
//
//   - Select == nil: the whole field is selected (wire form `true`), optionally
//     invoked with Input arguments.
//   - Select != nil: only the nested fields in Select are selected.
//
// Input, when non-nil, holds invocation arguments for the field.
type Field struct {
	Input  map[string]any
	Select Selection
}

// All selects a whole field.
func All() Field { return Field{} }

// Nested selects the given sub-fields of a field.
func Nested(sel Selection) Field {
	if sel == nil {
		sel = Selection{}
	}
	return Field{Select: sel}
}

// WithInput returns a copy of f carrying the given invocation arguments.
func (f Field) WithInput(input map[string]any) Field {
	f.Input = input
	return f
}

// IsLeaf reports whether the whole field is selected.
func (f Field) IsLeaf() bool { return f.Select == nil }

// HasInput reports whether the field carries invocation arguments.
func (f Field) HasInput() bool { return f.Input != nil }

// MarshalJSON encodes a bare leaf as `true`, a bare node as its nested
// selection, and anything carrying arguments as {"input": ..., "select": ...}.
func (f Field) MarshalJSON() ([]byte, error) {
	switch {
	case !f.HasInput() && f.IsLeaf():
		return []byte("true"), nil
	case !f.HasInput():
		return json.Marshal(f.Select)
	default:
		wire := struct {
			Input  map[string]any `json:"input"`
			Select Selection      `json:"select,omitempty"`
		}{Input: f.Input, Select: f.Select}
		return json.Marshal(wire)
	}
}

// UnmarshalJSON decodes the wire forms produced by MarshalJSON. An object is
// read as the {input, select} form only when it has an "input" key.
func (f *Field) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("true")) {
		*f = Field{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("field selection must be true or an object: %w", err)
	}

	if in, ok := raw["input"]; ok {
		var out Field
		if err := json.Unmarshal(in, &out.Input); err != nil {
			return fmt.Errorf("decode input: %w", err)
		}
		if out.Input == nil {
			out.Input = map[string]any{}
		}
		if sel, ok := raw["select"]; ok {
			if err := json.Unmarshal(sel, &out.Select); err != nil {
				return fmt.Errorf("decode select: %w", err)
			}
			if out.Select == nil {
				out.Select = Selection{}
			}
		}
		*f = out
		return nil
	}

	var nested Selection
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}
	if nested == nil {
		nested = Selection{}
	}
	*f = Field{Select: nested}
	return nil
}
