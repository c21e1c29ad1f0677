package core

import "strings"

// ParamSpec is one declared stored-procedure parameter.
type ParamSpec struct {
	Name     string `json:"name" yaml:"name"`
	Default  any    `json:"default,omitempty" yaml:"default"`
	Required bool   `json:"required,omitempty" yaml:"required"`
}

// CatalogEntry is the governance record of one stored procedure.
type CatalogEntry struct {
	ProcedureName      string
	Domain             string
	Entity             string
	Description        string
	IsEnabled          bool
	IsReadOnly         bool
	IsAtomicCompatible bool
	Params             []ParamSpec
	ResultSetHints     map[int]ResultSetHint
}

// CanonicalParamName trims a parameter name and ensures the leading '@'.
func CanonicalParamName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return name
}

// AllowedParams returns the canonical names of the declared parameters,
// keyed by their lower-cased form.
func (e *CatalogEntry) AllowedParams() map[string]string {
	allowed := make(map[string]string, len(e.Params))
	for _, p := range e.Params {
		name := CanonicalParamName(p.Name)
		if name == "" {
			continue
		}
		allowed[strings.ToLower(name)] = name
	}
	return allowed
}

// ParamDefaults returns declared defaults keyed by canonical name.
func (e *CatalogEntry) ParamDefaults() map[string]any {
	defaults := make(map[string]any)
	for _, p := range e.Params {
		if p.Default == nil {
			continue
		}
		defaults[CanonicalParamName(p.Name)] = p.Default
	}
	return defaults
}

// ParamNames returns the canonical declared parameter names in declaration order.
func (e *CatalogEntry) ParamNames() []string {
	names := make([]string, 0, len(e.Params))
	for _, p := range e.Params {
		if name := CanonicalParamName(p.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Hint returns the fallback hint for a result-set index, if any.
func (e *CatalogEntry) Hint(index int) *ResultSetHint {
	if e == nil || e.ResultSetHints == nil {
		return nil
	}
	h, ok := e.ResultSetHints[index]
	if !ok {
		return nil
	}
	return &h
}
