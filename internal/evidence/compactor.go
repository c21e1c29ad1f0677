// Package evidence bounds JSON-like payloads before they leave the server.
package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// Sentinel replaces values that were cut away entirely.
const Sentinel = "[truncated]"

// Ellipsis ends a shortened string.
const Ellipsis = "…"

// minHalvableString is the shortest string the size pass will halve.
const minHalvableString = 16

// Limits bounds a payload. Zero disables a limit.
type Limits struct {
	MaxDepth         int `koanf:"max_depth"`
	MaxArrayElements int `koanf:"max_array_elements"`
	MaxStringLength  int `koanf:"max_string_length"`
	MaxBytes         int `koanf:"max_bytes"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:         8,
		MaxArrayElements: 100,
		MaxStringLength:  2000,
		MaxBytes:         64 * 1024,
	}
}

// Bound returns a copy of node that fits within l and reports whether
// anything was cut. Values that are not plain JSON trees are first
// normalized through encoding/json. node is never modified, and bounding
// an already bounded value returns it unchanged.
func Bound(node any, l Limits) (any, bool) {
	if !isGeneric(node) {
		normalized, err := normalize(node)
		if err != nil {
			return fmt.Sprintf("[unserializable: %v]", err), true
		}
		node = normalized
	}

	c := &compactor{limits: l}
	out := c.shape(node, 0)
	if l.MaxBytes > 0 {
		out = c.fit(out)
	}
	return out, c.truncated
}

// Marshal bounds v and encodes the result.
func Marshal(v any, l Limits) ([]byte, bool, error) {
	out, truncated := Bound(v, l)
	data, err := json.Marshal(out)
	return data, truncated, err
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func isGeneric(v any) bool {
	switch x := v.(type) {
	case nil, string, bool, json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	case map[string]any:
		for _, e := range x {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	case []any:
		for _, e := range x {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

type compactor struct {
	limits    Limits
	truncated bool
}

// shape copies node while applying the depth, array and string limits.
func (c *compactor) shape(node any, depth int) any {
	switch x := node.(type) {
	case map[string]any:
		if c.limits.MaxDepth > 0 && depth >= c.limits.MaxDepth {
			c.truncated = true
			return Sentinel
		}
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = c.shape(v, depth+1)
		}
		return out
	case []any:
		if c.limits.MaxDepth > 0 && depth >= c.limits.MaxDepth {
			c.truncated = true
			return Sentinel
		}
		n := len(x)
		if c.limits.MaxArrayElements > 0 && n > c.limits.MaxArrayElements {
			n = c.limits.MaxArrayElements
			c.truncated = true
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = c.shape(x[i], depth+1)
		}
		return out
	case string:
		if x == Sentinel {
			return x
		}
		if c.limits.MaxStringLength > 0 && utf8.RuneCountInString(x) > c.limits.MaxStringLength {
			c.truncated = true
			return cutString(x, c.limits.MaxStringLength)
		}
		return x
	default:
		return node
	}
}

// cutString shortens s to n runes, the last being the ellipsis.
func cutString(s string, n int) string {
	if n <= 1 {
		return Ellipsis
	}
	runes := []rune(s)
	return string(runes[:n-1]) + Ellipsis
}

func encodedSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// slot is a position in the tree that can be overwritten.
type slot struct {
	value any
	set   func(any)
	size  int
}

type candidates struct {
	array    *slot
	str      *slot
	mapValue *slot
}

// fit shrinks root until it encodes within MaxBytes. Each round halves
// the longest array, or else the longest string, or else replaces the
// largest object member with the sentinel.
func (c *compactor) fit(root any) any {
	for encodedSize(root) > c.limits.MaxBytes {
		var cand candidates
		collect(root, func(v any) { root = v }, false, &cand)

		switch {
		case cand.array != nil:
			arr := cand.array.value.([]any)
			cand.array.set(arr[:len(arr)/2])
		case cand.str != nil:
			s := cand.str.value.(string)
			cand.str.set(cutString(s, utf8.RuneCountInString(s)/2))
		case cand.mapValue != nil:
			cand.mapValue.set(Sentinel)
		default:
			return root
		}
		c.truncated = true
	}
	return root
}

// collect walks the tree in a fixed order, records the best candidate of
// each kind and returns the approximate encoded size of node. Earlier
// positions win ties.
func collect(node any, set func(any), inMap bool, cand *candidates) int {
	var size int
	switch x := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		size = 2 + max(len(keys)-1, 0)
		for _, k := range keys {
			size += len(k) + 3 + collect(x[k], func(v any) { x[k] = v }, true, cand)
		}
	case []any:
		if len(x) >= 2 && (cand.array == nil || len(x) > len(cand.array.value.([]any))) {
			cand.array = &slot{value: x, set: set}
		}
		size = 2 + max(len(x)-1, 0)
		for i := range x {
			size += collect(x[i], func(v any) { x[i] = v }, false, cand)
		}
	case string:
		size = len(x) + 2
		n := utf8.RuneCountInString(x)
		if n > minHalvableString && (cand.str == nil || n > cand.str.size) {
			cand.str = &slot{value: x, set: set, size: n}
		}
	default:
		size = encodedSize(node)
	}

	if inMap && node != Sentinel && size > len(Sentinel)+2 {
		if cand.mapValue == nil || size > cand.mapValue.size {
			cand.mapValue = &slot{value: node, set: set, size: size}
		}
	}
	return size
}
