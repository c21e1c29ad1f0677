package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/adapter"
)

// Validate checks if the target configuration is valid.
// It uses the adapter registry to determine which adapter types are available.
func (t *TargetConfig) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("target type is required")
	}
	if !adapter.IsRegistered(strings.ToLower(t.Type)) {
		return &adapter.UnknownAdapterError{
			Type:      t.Type,
			Available: adapter.ListAdapters(),
		}
	}
	return nil
}

// Validate checks the whole configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Target.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid target configuration: %w", err))
	}
	if c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}

	positive := []struct {
		key   string
		value int
	}{
		{"limits.max_rows_per_table", c.Limits.MaxRowsPerTable},
		{"limits.max_tables", c.Limits.MaxTables},
		{"limits.max_columns", c.Limits.MaxColumns},
		{"limits.max_display_rows", c.Limits.MaxDisplayRows},
		{"limits.max_groups", c.Limits.MaxGroups},
		{"limits.max_result_rows", c.Limits.MaxResultRows},
		{"limits.max_join_rows", c.Limits.MaxJoinRows},
		{"limits.max_join_matches_per_left", c.Limits.MaxJoinMatchesPerLeft},
		{"limits.max_join_right_columns", c.Limits.MaxJoinRightColumns},
		{"datasets.shards", c.Datasets.Shards},
		{"compaction.max_depth", c.Compaction.MaxDepth},
		{"compaction.max_bytes", c.Compaction.MaxBytes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.key, p.value))
		}
	}

	if c.Datasets.TTL <= 0 {
		errs = append(errs, fmt.Errorf("datasets.ttl must be positive, got %s", c.Datasets.TTL))
	}
	e := c.Execution
	if e.MinTimeout <= 0 || e.MaxTimeout < e.MinTimeout {
		errs = append(errs, fmt.Errorf("execution timeouts must satisfy 0 < min_timeout <= max_timeout, got %s..%s", e.MinTimeout, e.MaxTimeout))
	} else if e.DefaultTimeout < e.MinTimeout || e.DefaultTimeout > e.MaxTimeout {
		errs = append(errs, fmt.Errorf("execution.default_timeout %s is outside %s..%s", e.DefaultTimeout, e.MinTimeout, e.MaxTimeout))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
