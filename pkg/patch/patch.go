// Package patch applies, diffs and coalesces flat field-level change
// operations on plain object graphs.
//
// Paths are single-segment JSON Pointers ("/name"). Nested pointers are
// rejected rather than interpreted, since every producer in this module
// diffs at the top level of an entity.
package patch

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Op is the kind of a patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

var (
	// ErrInvalidPath indicates a path that is not a single "/field" segment.
	ErrInvalidPath = errors.New("invalid patch path")
	// ErrUnknownOp indicates an operation kind other than add, remove or replace.
	ErrUnknownOp = errors.New("unknown patch operation")
)

// Operation is one field-level change.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Field returns the unescaped field name addressed by the operation.
func (o Operation) Field() (string, error) {
	return parsePath(o.Path)
}

// PathFor returns the single-segment pointer for a field name.
func PathFor(field string) string {
	field = strings.ReplaceAll(field, "~", "~0")
	field = strings.ReplaceAll(field, "/", "~1")
	return "/" + field
}

func parsePath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, path)
	}
	seg := path[1:]
	if strings.Contains(seg, "/") {
		return "", fmt.Errorf("%w: %q addresses a nested field", ErrInvalidPath, path)
	}
	seg = strings.ReplaceAll(seg, "~1", "/")
	seg = strings.ReplaceAll(seg, "~0", "~")
	return seg, nil
}

// Apply returns a new object reflecting ops applied in order. The input map
// is never mutated; field values are shared, not copied.
func Apply(value map[string]any, ops []Operation) (map[string]any, error) {
	out := make(map[string]any, len(value)+len(ops))
	for k, v := range value {
		out[k] = v
	}

	for i, op := range ops {
		field, err := op.Field()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		switch op.Op {
		case OpAdd, OpReplace:
			out[field] = op.Value
		case OpRemove:
			delete(out, field)
		default:
			return nil, fmt.Errorf("operation %d: %w: %q", i, ErrUnknownOp, op.Op)
		}
	}
	return out, nil
}

// ApplyAll applies each batch in order.
func ApplyAll(value map[string]any, batches [][]Operation) (map[string]any, error) {
	out := value
	for i, batch := range batches {
		next, err := Apply(out, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		out = next
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Coalesce merges an ordered sequence of batches into one batch holding,
// for each distinct path, only the operation from its last occurrence.
// Surviving operations are ordered by the position of that last occurrence.
func Coalesce(batches [][]Operation) []Operation {
	type slot struct {
		op  Operation
		pos int
	}
	latest := make(map[string]slot)
	pos := 0
	for _, batch := range batches {
		for _, op := range batch {
			latest[op.Path] = slot{op: op, pos: pos}
			pos++
		}
	}

	slots := make([]slot, 0, len(latest))
	for _, s := range latest {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].pos < slots[j].pos })

	out := make([]Operation, len(slots))
	for i, s := range slots {
		out[i] = s.op
	}
	return out
}

// Diff computes the operations that turn prev into next. Operations are
// ordered by field name so equal inputs always yield equal patches.
func Diff(prev, next map[string]any) []Operation {
	keys := make([]string, 0, len(prev)+len(next))
	seen := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	ops := make([]Operation, 0)
	for _, k := range keys {
		before, had := prev[k]
		after, has := next[k]
		switch {
		case had && !has:
			ops = append(ops, Operation{Op: OpRemove, Path: PathFor(k)})
		case !had && has:
			ops = append(ops, Operation{Op: OpAdd, Path: PathFor(k), Value: after})
		case !reflect.DeepEqual(before, after):
			ops = append(ops, Operation{Op: OpReplace, Path: PathFor(k), Value: after})
		}
	}
	return ops
}

// Size returns the encoded byte length of ops.
func Size(ops []Operation) int {
	b, err := json.Marshal(ops)
	if err != nil {
		return 0
	}
	return len(b)
}
