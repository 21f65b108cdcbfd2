package payload

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Resolve walks a JSON pointer ("/a/b/0") through a decoded payload.
// The second return is false when the pointer does not resolve or
// resolves to null.
func Resolve(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, doc != nil
	}
	cur := doc
	for _, raw := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token := unescapeToken(raw)
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[token]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Present reports whether a pointer resolves to a non-null, non-empty value.
func Present(doc any, pointer string) bool {
	v, ok := Resolve(doc, pointer)
	if !ok {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

func unescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

// MergePatch deep-merges patch into base and returns the result. Nested
// objects merge recursively, all other values are replaced by the patch.
// A null patch value overwrites but does not delete the key.
func MergePatch(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, exists := out[k]
		pm, patchIsMap := pv.(map[string]any)
		bm, baseIsMap := bv.(map[string]any)
		if exists && patchIsMap && baseIsMap {
			out[k] = MergePatch(bm, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// Diff reports top-level keys whose value changed between two payloads.
func Diff(before, after map[string]any) map[string]any {
	diff := map[string]any{}
	for k, bv := range before {
		av, ok := after[k]
		if !ok || !reflect.DeepEqual(bv, av) {
			diff[k] = map[string]any{"from": bv, "to": valueOrNil(after, k)}
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			diff[k] = map[string]any{"from": nil, "to": av}
		}
	}
	return diff
}

func valueOrNil(m map[string]any, k string) any {
	if v, ok := m[k]; ok {
		return v
	}
	return nil
}

// Bool coerces a decoded JSON value to a boolean flag. Strings "true" and
// "1" count as true, numbers by non-zero value.
func Bool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}

// Issue is one schema violation.
type Issue struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	if i.Location == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Location, i.Message)
}
