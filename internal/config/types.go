// Package config loads LeapGate configuration from defaults, leapgate.yaml,
// LEAPGATE_* environment variables and command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/leapstack-labs/leapgate/internal/analytics"
	"github.com/leapstack-labs/leapgate/internal/dataset"
	"github.com/leapstack-labs/leapgate/internal/evidence"
	"github.com/leapstack-labs/leapgate/internal/query"
	"github.com/leapstack-labs/leapgate/internal/tabular"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// Config holds all LeapGate configuration.
type Config struct {
	Target     TargetConfig     `koanf:"target"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Limits     LimitsConfig     `koanf:"limits"`
	Datasets   DatasetsConfig   `koanf:"datasets"`
	Compaction evidence.Limits  `koanf:"compaction"`
	Execution  ExecutionConfig  `koanf:"execution"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`

	// FileUsed is the config file that was loaded, if any.
	FileUsed string `koanf:"-"`
}

// TargetConfig holds the data source connection.
type TargetConfig struct {
	Type     string            `koanf:"type"` // mssql, postgres, duckdb
	Host     string            `koanf:"host"`
	Port     int               `koanf:"port"`
	Database string            `koanf:"database"` // database name, or file path for duckdb
	User     string            `koanf:"user"`
	Password string            `koanf:"password"`
	Schema   string            `koanf:"schema"`
	Options  map[string]string `koanf:"options"`
}

// AdapterConfig converts the target into an adapter connection config.
func (t TargetConfig) AdapterConfig() core.AdapterConfig {
	cfg := core.AdapterConfig{
		Type:     strings.ToLower(t.Type),
		Host:     t.Host,
		Port:     t.Port,
		Database: t.Database,
		Username: t.User,
		Password: t.Password,
		Schema:   t.Schema,
		Options:  t.Options,
	}
	if cfg.Type == "duckdb" {
		cfg.Path = t.Database
	}
	return cfg
}

// CatalogConfig locates the procedure catalog.
type CatalogConfig struct {
	Path          string        `koanf:"path"`
	SeedFile      string        `koanf:"seed_file"`
	Watch         bool          `koanf:"watch"`
	SchemaPrefix  string        `koanf:"schema_prefix"`
	ParamCacheTTL time.Duration `koanf:"param_cache_ttl"`
}

// LimitsConfig bounds everything read, stored and returned.
type LimitsConfig struct {
	MaxRowsPerTable       int `koanf:"max_rows_per_table"`
	MaxRowsSummary        int `koanf:"max_rows_summary"`
	MaxSchemaRows         int `koanf:"max_schema_rows"`
	MaxTables             int `koanf:"max_tables"`
	MaxColumns            int `koanf:"max_columns"`
	MaxDisplayRows        int `koanf:"max_display_rows"`
	PreviewRows           int `koanf:"preview_rows"`
	MaxGroups             int `koanf:"max_groups"`
	MaxResultRows         int `koanf:"max_result_rows"`
	MaxJoinRows           int `koanf:"max_join_rows"`
	MaxJoinMatchesPerLeft int `koanf:"max_join_matches_per_left"`
	MaxJoinRightColumns   int `koanf:"max_join_right_columns"`
}

// Reader returns the result-set reader limits.
func (l LimitsConfig) Reader() tabular.Limits {
	return tabular.Limits{
		MaxRowsPerTable: l.MaxRowsPerTable,
		MaxRowsSummary:  l.MaxRowsSummary,
		MaxSchemaRows:   l.MaxSchemaRows,
		MaxTables:       l.MaxTables,
	}
}

// Bounds returns the dataset bounds.
func (l LimitsConfig) Bounds() core.DatasetBounds {
	return core.DatasetBounds{
		MaxRows:     l.MaxRowsPerTable,
		MaxColumns:  l.MaxColumns,
		PreviewRows: l.PreviewRows,
	}
}

// Analytics returns the analytics engine limits.
func (l LimitsConfig) Analytics(runTimeout time.Duration) analytics.Limits {
	return analytics.Limits{
		MaxGroups:             l.MaxGroups,
		MaxResultRows:         l.MaxResultRows,
		MaxJoinRows:           l.MaxJoinRows,
		MaxJoinMatchesPerLeft: l.MaxJoinMatchesPerLeft,
		MaxJoinRightColumns:   l.MaxJoinRightColumns,
		PreviewRows:           l.PreviewRows,
		RunTimeout:            runTimeout,
	}
}

// DatasetsConfig controls dataset leases.
type DatasetsConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	Sliding       bool          `koanf:"sliding"`
	Shards        int           `koanf:"shards"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// StoreOptions returns dataset store options without clock or eviction hook.
func (d DatasetsConfig) StoreOptions() dataset.Options {
	return dataset.Options{
		TTL:           d.TTL,
		Sliding:       d.Sliding,
		Shards:        d.Shards,
		SweepInterval: d.SweepInterval,
	}
}

// ExecutionConfig controls procedure and pipeline execution.
type ExecutionConfig struct {
	DefaultTimeout         time.Duration   `koanf:"default_timeout"`
	MinTimeout             time.Duration   `koanf:"min_timeout"`
	MaxTimeout             time.Duration   `koanf:"max_timeout"`
	RunTimeout             time.Duration   `koanf:"run_timeout"`
	RetryOnNormalizedEmpty bool            `koanf:"retry_on_normalized_empty"`
	Normalize              NormalizeConfig `koanf:"normalize"`
}

// Timeouts returns the procedure timeout clamp.
func (e ExecutionConfig) Timeouts() query.Timeouts {
	return query.Timeouts{Default: e.DefaultTimeout, Min: e.MinTimeout, Max: e.MaxTimeout}
}

// NormalizeConfig configures parameter value normalization.
type NormalizeConfig struct {
	// Values maps parameter name to (value -> replacement).
	Values map[string]map[string]string `koanf:"values"`
	// Script is a Starlark file defining normalize(param, value).
	Script string `koanf:"script"`
}

// ServerConfig configures the HTTP tool server.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}
