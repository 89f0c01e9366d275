package selection

import (
	"sort"

	"github.com/hyperengineering/livesync/pkg/digest"
)

// Merge returns the union of the given selections.
//
// For each field name present in any input:
//   - a bare whole-field selection (`true` without arguments) dominates;
//   - otherwise a whole-field selection carrying arguments dominates nested
//     selections;
//   - otherwise nested selections are merged recursively.
//
// When several inputs carry arguments for the same field, the last one wins
// verbatim. Callers that cannot guarantee a stable input order should treat
// the winner as undefined and reconcile arguments before merging.
func Merge(sels ...Selection) Selection {
	byField := make(map[string][]Field)
	for _, sel := range sels {
		for name, f := range sel {
			byField[name] = append(byField[name], f)
		}
	}

	out := make(Selection, len(byField))
	for name, fs := range byField {
		out[name] = mergeField(fs)
	}
	return out
}

func mergeField(fs []Field) Field {
	var (
		input    map[string]any
		whole    bool
		children []Selection
	)
	for _, f := range fs {
		if f.IsLeaf() && !f.HasInput() {
			return All()
		}
		if f.HasInput() {
			input = f.Input
		}
		if f.IsLeaf() {
			whole = true
			continue
		}
		children = append(children, f.Select)
	}

	if whole {
		return Field{Input: input}
	}
	return Field{Input: input, Select: Merge(children...)}
}

// Filter projects data onto sel.
//
// Nil and scalar values pass through unchanged, slices are filtered element
// by element with the same selection, and objects keep their "id" field (when
// present) plus every selected field the object actually has.
func Filter(data any, sel Selection) any {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]any:
		return filterObject(v, sel)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Filter(item, sel)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = filterObject(item, sel)
		}
		return out
	default:
		return v
	}
}

func filterObject(obj map[string]any, sel Selection) map[string]any {
	out := make(map[string]any, len(sel)+1)
	if id, ok := obj["id"]; ok {
		out["id"] = id
	}
	for name, f := range sel {
		val, ok := obj[name]
		if !ok {
			continue
		}
		if f.IsLeaf() {
			out[name] = val
			continue
		}
		out[name] = Filter(val, f.Select)
	}
	return out
}

// EndpointKey derives the endpoint key for an entity instance: "entity:id", or
// "entity:id:inputHash" when input is non-empty.
func EndpointKey(entity, entityID string, input map[string]any) string {
	key := entity + ":" + entityID
	if h := digest.InputHash(input); h != "" {
		key += ":" + h
	}
	return key
}

// Paths flattens sel into sorted dot-joined field paths. A nested field
// contributes its own path and all of its descendants.
func Paths(sel Selection) []string {
	set := make(map[string]struct{})
	collectPaths(sel, "", set)
	return sortedKeys(set)
}

func collectPaths(sel Selection, prefix string, into map[string]struct{}) {
	for name, f := range sel {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		into[path] = struct{}{}
		if !f.IsLeaf() {
			collectPaths(f.Select, path, into)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
