package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of a catalog seed.
type seedFile struct {
	Procedures []seedProcedure `yaml:"procedures"`
}

type seedProcedure struct {
	Name             string               `yaml:"name"`
	Domain           string               `yaml:"domain"`
	Entity           string               `yaml:"entity"`
	Description      string               `yaml:"description"`
	Enabled          *bool                `yaml:"enabled"`
	ReadOnly         bool                 `yaml:"read_only"`
	AtomicCompatible bool                 `yaml:"atomic_compatible"`
	Params           []core.ParamSpec     `yaml:"params"`
	ResultSets       []core.ResultSetHint `yaml:"result_sets"`
}

// ParseSeed decodes catalog entries from YAML. Enabled defaults to true;
// read_only and atomic_compatible must be stated explicitly.
func ParseSeed(data []byte) ([]*core.CatalogEntry, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse catalog seed: %w", err)
	}

	seen := make(map[string]bool, len(seed.Procedures))
	entries := make([]*core.CatalogEntry, 0, len(seed.Procedures))
	for i, p := range seed.Procedures {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("procedure %d: name is required", i+1)
		}
		if seen[entryKey(name)] {
			return nil, fmt.Errorf("procedure %s: declared more than once", name)
		}
		seen[entryKey(name)] = true

		e := &core.CatalogEntry{
			ProcedureName:      name,
			Domain:             p.Domain,
			Entity:             p.Entity,
			Description:        strings.TrimSpace(p.Description),
			IsEnabled:          p.Enabled == nil || *p.Enabled,
			IsReadOnly:         p.ReadOnly,
			IsAtomicCompatible: p.AtomicCompatible,
		}
		for _, param := range p.Params {
			param.Name = core.CanonicalParamName(param.Name)
			if param.Name == "" {
				return nil, fmt.Errorf("procedure %s: parameter name is required", name)
			}
			e.Params = append(e.Params, param)
		}
		for _, h := range p.ResultSets {
			if h.Index < core.SummaryResultSet {
				return nil, fmt.Errorf("procedure %s: result set index must be >= %d", name, core.SummaryResultSet)
			}
			if h.Delivery != "" {
				if _, ok := core.ParseDelivery(h.Delivery); !ok {
					return nil, fmt.Errorf("procedure %s: result set %d: unknown delivery %q", name, h.Index, h.Delivery)
				}
			}
			if e.ResultSetHints == nil {
				e.ResultSetHints = make(map[int]core.ResultSetHint)
			}
			e.ResultSetHints[h.Index] = h
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadSeedFile reads and parses a catalog seed file.
func LoadSeedFile(path string) ([]*core.CatalogEntry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog seed: %w", err)
	}
	return ParseSeed(data)
}

// ImportSeedFile loads a seed file into store and returns the number of entries written.
func ImportSeedFile(ctx context.Context, store Store, path string) (int, error) {
	entries, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	if err := store.Upsert(ctx, entries...); err != nil {
		return 0, err
	}
	return len(entries), nil
}
