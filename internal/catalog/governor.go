package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// DefaultSchemaPrefix is the schema every governed procedure must live in.
const DefaultSchemaPrefix = "dbo"

// Governor enforces the procedure allow-list and the parameter contract.
type Governor struct {
	repo    Repository
	pattern *regexp.Regexp
	logger  *slog.Logger
}

// NewGovernor creates a Governor over repo. An empty schemaPrefix means
// DefaultSchemaPrefix. If logger is nil, a discard logger is used.
func NewGovernor(repo Repository, schemaPrefix string, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if schemaPrefix == "" {
		schemaPrefix = DefaultSchemaPrefix
	}
	return &Governor{
		repo:    repo,
		pattern: regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(schemaPrefix) + `\.[A-Za-z_][A-Za-z0-9_]{0,127}$`),
		logger:  logger,
	}
}

// ValidName reports whether name matches the governed identifier pattern.
func (g *Governor) ValidName(name string) bool {
	return g.pattern.MatchString(name)
}

// Authorize returns the catalog entry for name if it may run.
// Names outside the identifier pattern are rejected before any lookup.
func (g *Governor) Authorize(ctx context.Context, name string) (*core.CatalogEntry, error) {
	name = strings.TrimSpace(name)
	if !g.ValidName(name) {
		return nil, notAllowed(name, "invalid procedure name")
	}

	entry, err := g.repo.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, notAllowed(name, "not in catalog")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	switch {
	case !entry.IsEnabled:
		return nil, notAllowed(name, "disabled")
	case !entry.IsReadOnly:
		return nil, notAllowed(name, "not read-only")
	case !entry.IsAtomicCompatible:
		return nil, notAllowed(name, "not atomic-compatible")
	}
	return entry, nil
}

func notAllowed(name, reason string) *core.ToolError {
	return core.NewToolError(core.CodeCatalogNotAllowed, "procedure %q is not allowed: %s", name, reason).
		WithDetail("procedureName", name).
		WithDetail("reason", reason)
}

// Contract is the accepted argument list for one execution.
type Contract struct {
	// Args are canonical, in catalog declaration order followed by
	// undeclared soft-mode names in name order.
	Args []core.ProcedureArg

	// Soft is true when the catalog declares no parameters; unknown names
	// must then be filtered against the data source's own metadata.
	Soft bool

	// Defaulted lists parameters filled from catalog defaults.
	Defaulted []string
}

// Values returns the arguments keyed by canonical name.
func (c *Contract) Values() map[string]any {
	out := make(map[string]any, len(c.Args))
	for _, a := range c.Args {
		out[a.Name] = a.Value
	}
	return out
}

// DropUnknown removes arguments whose names are absent from known
// (case-insensitive) and returns the dropped names. An empty known list
// means the source reported nothing and every argument is kept.
func (c *Contract) DropUnknown(known []string) []string {
	if len(known) == 0 {
		return nil
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[strings.ToLower(core.CanonicalParamName(k))] = true
	}

	var dropped []string
	kept := c.Args[:0:0]
	for _, a := range c.Args {
		if set[strings.ToLower(a.Name)] {
			kept = append(kept, a)
			continue
		}
		dropped = append(dropped, a.Name)
	}
	c.Args = kept
	return dropped
}

// ApplyContract checks provided arguments against entry's declared
// parameters and merges declared defaults.
func (g *Governor) ApplyContract(entry *core.CatalogEntry, provided map[string]any) (*Contract, error) {
	received := make([]string, 0, len(provided))
	for name := range provided {
		received = append(received, name)
	}
	sort.Strings(received)

	// Canonicalize caller names; two spellings of one name are ambiguous.
	canonical := make(map[string]any, len(provided))
	spelling := make(map[string]string, len(provided))
	for _, name := range received {
		c := core.CanonicalParamName(name)
		if c == "" {
			return nil, core.NewToolError(core.CodeInvalidParameters, "empty parameter name").
				WithDetail("receivedParams", received)
		}
		key := strings.ToLower(c)
		if prev, dup := spelling[key]; dup {
			return nil, core.NewToolError(core.CodeInvalidParameters, "parameter %q supplied more than once (%q, %q)", c, prev, name).
				WithDetail("receivedParams", received)
		}
		spelling[key] = name
		canonical[key] = provided[name]
	}

	allowed := entry.AllowedParams()
	if len(allowed) == 0 {
		return softContract(canonical, spelling), nil
	}

	var unknown []string
	for _, name := range received {
		if _, ok := allowed[strings.ToLower(core.CanonicalParamName(name))]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		g.logger.Debug("rejecting undeclared parameters",
			slog.String("procedure", entry.ProcedureName),
			slog.Any("unknown", unknown))
		return nil, core.NewToolError(core.CodeInvalidParameters,
			"parameters %s are not accepted by %s; expected only %s",
			strings.Join(unknown, ", "), entry.ProcedureName, strings.Join(entry.ParamNames(), ", ")).
			WithDetail("expectedParams", entry.ParamNames()).
			WithDetail("receivedParams", received).
			WithDetail("unknownParams", unknown)
	}

	contract := &Contract{}
	var missing []string
	for _, spec := range entry.Params {
		name := core.CanonicalParamName(spec.Name)
		if name == "" {
			continue
		}
		value, ok := canonical[strings.ToLower(name)]
		if !ok || value == nil {
			if spec.Default != nil {
				contract.Args = append(contract.Args, core.ProcedureArg{Name: name, Value: spec.Default})
				contract.Defaulted = append(contract.Defaulted, name)
				continue
			}
			if spec.Required {
				missing = append(missing, name)
				continue
			}
			if !ok {
				continue
			}
		}
		contract.Args = append(contract.Args, core.ProcedureArg{Name: name, Value: value})
	}

	if len(missing) > 0 {
		return nil, core.NewToolError(core.CodeMissingParamsContract,
			"%s requires %s", entry.ProcedureName, strings.Join(missing, ", ")).
			WithDetail("missingParams", missing).
			WithDetail("expectedParams", entry.ParamNames())
	}
	return contract, nil
}

func softContract(canonical map[string]any, spelling map[string]string) *Contract {
	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := &Contract{Soft: true}
	for _, k := range keys {
		c.Args = append(c.Args, core.ProcedureArg{
			Name:  core.CanonicalParamName(spelling[k]),
			Value: canonical[k],
		})
	}
	return c
}
