// Package normalize rewrites procedure argument values before execution
// and decides whether an apparently empty result warrants one retry with
// the caller's original values.
package normalize

import (
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// Normalizer rewrites one parameter value. It reports whether the value changed.
type Normalizer interface {
	Normalize(param string, value any) (any, bool)
}

// Nop leaves every value unchanged.
type Nop struct{}

// Normalize implements Normalizer.
func (Nop) Normalize(_ string, value any) (any, bool) { return value, false }

// MapNormalizer replaces string values through a per-parameter lookup table.
// Parameter names and values match case-insensitively.
type MapNormalizer struct {
	values map[string]map[string]string
}

// NewMapNormalizer builds a MapNormalizer from param -> (from -> to).
func NewMapNormalizer(values map[string]map[string]string) *MapNormalizer {
	m := &MapNormalizer{values: make(map[string]map[string]string, len(values))}
	for param, table := range values {
		key := strings.ToLower(core.CanonicalParamName(param))
		if m.values[key] == nil {
			m.values[key] = make(map[string]string, len(table))
		}
		for from, to := range table {
			m.values[key][strings.ToLower(strings.TrimSpace(from))] = to
		}
	}
	return m
}

// Normalize implements Normalizer.
func (m *MapNormalizer) Normalize(param string, value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		return value, false
	}
	table := m.values[strings.ToLower(core.CanonicalParamName(param))]
	if table == nil {
		return value, false
	}
	to, ok := table[strings.ToLower(strings.TrimSpace(s))]
	if !ok || to == s {
		return value, false
	}
	return to, true
}

// Chain applies normalizers in order, each seeing the previous output.
type Chain []Normalizer

// Normalize implements Normalizer.
func (c Chain) Normalize(param string, value any) (any, bool) {
	changed := false
	for _, n := range c {
		var ok bool
		value, ok = n.Normalize(param, value)
		changed = changed || ok
	}
	return value, changed
}

// Change records one rewritten argument.
type Change struct {
	Param    string
	Original any
	Value    any
}

// Apply normalizes args, returning the rewritten list and the changes.
// args is not modified.
func Apply(n Normalizer, args []core.ProcedureArg) ([]core.ProcedureArg, []Change) {
	out := make([]core.ProcedureArg, len(args))
	var changes []Change
	for i, a := range args {
		out[i] = a
		if n == nil {
			continue
		}
		v, changed := n.Normalize(a.Name, a.Value)
		if !changed {
			continue
		}
		out[i].Value = v
		changes = append(changes, Change{Param: a.Name, Original: a.Value, Value: v})
	}
	return out, changes
}
