package interpreter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scope carries loop/try variables visible to templates and conditions:
// the loop binding and index, first/last/length markers, and the caught
// error inside a catch branch.
type Scope map[string]any

// refPattern matches {{opId.<id>.<path>}}, {{op.<index>.<path>}},
// {{loop.<var>}}, and {{var.<var>}} references.
var refPattern = regexp.MustCompile(`\{\{(opId|op|loop|var)\.([^}]+)\}\}`)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segOpID                // {{opId.x.path}} — result of op with id x
	segOpIndex             // {{op.3.path}} — result of the op at global index 3
	segVar                 // {{loop.item}} / {{var.name}} — scope variable
)

// segment is one piece of a parsed template string: either literal text or
// a typed reference resolved against the result store or scope.
type segment struct {
	kind segmentKind
	text string   // literal text, op id, or index string
	path []string // remaining dot path, possibly empty
}

// parseTemplate splits s into literal and reference segments. Returns nil
// when s contains no references.
func parseTemplate(s string) []segment {
	locs := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return nil
	}
	var segs []segment
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			segs = append(segs, segment{kind: segLiteral, text: s[prev:loc[0]]})
		}
		kind := s[loc[2]:loc[3]]
		ref := s[loc[4]:loc[5]]
		switch kind {
		case "opId":
			head, rest, _ := strings.Cut(ref, ".")
			segs = append(segs, segment{kind: segOpID, text: head, path: splitPath(rest)})
		case "op":
			head, rest, _ := strings.Cut(ref, ".")
			segs = append(segs, segment{kind: segOpIndex, text: head, path: splitPath(rest)})
		default: // loop, var
			segs = append(segs, segment{kind: segVar, text: ref, path: splitPath(ref)})
		}
		prev = loc[1]
	}
	if prev < len(s) {
		segs = append(segs, segment{kind: segLiteral, text: s[prev:]})
	}
	return segs
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

// Resolve substitutes every reference in value, recursing into maps and
// slices. String values with references always resolve to strings; object
// and array reference values are JSON-encoded into place. Unknown op ids,
// missing paths, and unbound variables are errors.
func Resolve(value any, rs *ResultStore, scope Scope) (any, error) {
	switch v := value.(type) {
	case string:
		segs := parseTemplate(v)
		if segs == nil {
			return v, nil
		}
		var b strings.Builder
		for _, seg := range segs {
			if seg.kind == segLiteral {
				b.WriteString(seg.text)
				continue
			}
			resolved, err := resolveRef(seg, rs, scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(resolved))
		}
		return b.String(), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, rs, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, rs, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveRef(seg segment, rs *ResultStore, scope Scope) (any, error) {
	switch seg.kind {
	case segOpID:
		result, ok := rs.ByID(seg.text)
		if !ok {
			return nil, fmt.Errorf("template resolution failed: opId %q not found in result store", seg.text)
		}
		if len(seg.path) == 0 {
			return result, nil
		}
		v, ok := getNested(result, seg.path)
		if !ok {
			return nil, fmt.Errorf("template resolution failed: path %q not found in opId %q", strings.Join(seg.path, "."), seg.text)
		}
		return v, nil
	case segOpIndex:
		idx, err := strconv.Atoi(seg.text)
		if err != nil {
			return nil, fmt.Errorf("template resolution failed: op index %q is not a number", seg.text)
		}
		result, ok := rs.ByIndex(idx)
		if !ok {
			return nil, fmt.Errorf("template resolution failed: op[%d] not found in result store", idx)
		}
		if len(seg.path) == 0 {
			return result, nil
		}
		v, ok := getNested(result, seg.path)
		if !ok {
			return nil, fmt.Errorf("template resolution failed: path %q not found in op[%d]", strings.Join(seg.path, "."), idx)
		}
		return v, nil
	default:
		v, ok := getNested(map[string]any(scope), seg.path)
		if !ok {
			return nil, fmt.Errorf("template resolution failed: loop variable %q not found", strings.Join(seg.path, "."))
		}
		return v, nil
	}
}

// Lookup walks a dot path ("response.items[0].name") through decoded JSON.
// Used by drivers that accept property-path expressions.
func Lookup(obj any, path string) (any, bool) {
	return getNested(obj, splitPath(path))
}

var indexedPart = regexp.MustCompile(`^(\w+)\[(\d+)\]$`)

// getNested walks a dot path through decoded JSON. Parts may carry an array
// index suffix (items[0]) and purely numeric parts index into arrays.
func getNested(obj any, path []string) (any, bool) {
	current := obj
	for _, part := range path {
		if current == nil {
			return nil, false
		}
		if m := indexedPart.FindStringSubmatch(part); m != nil {
			inner, ok := step(current, m[1])
			if !ok {
				return nil, false
			}
			arr, ok := inner.([]any)
			if !ok {
				return nil, false
			}
			idx, _ := strconv.Atoi(m[2])
			if idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
			continue
		}
		next, ok := step(current, part)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, part string) (any, bool) {
	switch c := current.(type) {
	case map[string]any:
		v, ok := c[part]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	default:
		return nil, false
	}
}

// stringify renders a resolved reference into a template string. Objects
// and arrays are JSON-encoded; scalars use their plain form.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
