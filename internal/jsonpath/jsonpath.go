// Package jsonpath implements the minimal JSONPath-like subset used
// throughout the substrate: a "$" root followed by ".field" and "[index]"
// segments. It backs context_match selector clauses (§6.3) and the
// Transform Engine's extract rule (§4.3).
package jsonpath

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Segment is one step of a parsed path: either a field name or an index.
type segment struct {
	field string
	index int
	isIdx bool
}

// Parse splits a path like "$.a.b[0].c" into segments, ignoring the
// leading "$" root marker if present.
func Parse(path string) []segment {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return nil
	}
	var segs []segment
	for _, raw := range strings.Split(path, ".") {
		for raw != "" {
			if idx := strings.IndexByte(raw, '['); idx >= 0 {
				if idx > 0 {
					segs = append(segs, segment{field: raw[:idx]})
				}
				end := strings.IndexByte(raw, ']')
				if end < 0 {
					break
				}
				n, _ := strconv.Atoi(raw[idx+1 : end])
				segs = append(segs, segment{index: n, isIdx: true})
				raw = raw[end+1:]
				continue
			}
			segs = append(segs, segment{field: raw})
			raw = ""
		}
	}
	return segs
}

// Extract walks rawJSON (a JSON document) along path and returns the value
// found there, or (nil, false) if any segment is missing.
func Extract(rawJSON []byte, path string) (interface{}, bool) {
	var doc interface{}
	if len(rawJSON) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(rawJSON, &doc); err != nil {
		return nil, false
	}
	return ExtractValue(doc, path)
}

// ExtractValue walks an already-decoded document (map[string]interface{} /
// []interface{} / scalar) along path.
func ExtractValue(doc interface{}, path string) (interface{}, bool) {
	cur := doc
	for _, seg := range Parse(path) {
		if seg.isIdx {
			arr, ok := cur.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.field]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Leaves walks doc and appends every leaf string value it finds to out,
// used by the Entity Worker to gather extractable text.
func Leaves(doc interface{}, out *[]string) {
	switch v := doc.(type) {
	case string:
		*out = append(*out, v)
	case map[string]interface{}:
		for _, child := range v {
			Leaves(child, out)
		}
	case []interface{}:
		for _, child := range v {
			Leaves(child, out)
		}
	}
}
