package config

import (
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultTargetType   = "mssql"
	DefaultCatalogPath  = ".leapgate/catalog.db"
	DefaultSchemaPrefix = "dbo"
	DefaultServerAddr   = ":8080"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// defaults is the lowest configuration layer.
func defaults() map[string]any {
	return map[string]any{
		"target.type": DefaultTargetType,

		"catalog.path":            DefaultCatalogPath,
		"catalog.watch":           false,
		"catalog.schema_prefix":   DefaultSchemaPrefix,
		"catalog.param_cache_ttl": 5 * time.Minute,

		"limits.max_rows_per_table":        50000,
		"limits.max_rows_summary":          1,
		"limits.max_schema_rows":           2000,
		"limits.max_tables":                16,
		"limits.max_columns":               64,
		"limits.max_display_rows":          50,
		"limits.preview_rows":              20,
		"limits.max_groups":                1000,
		"limits.max_result_rows":           500,
		"limits.max_join_rows":             100000,
		"limits.max_join_matches_per_left": 50,
		"limits.max_join_right_columns":    20,

		"datasets.ttl":            30 * time.Minute,
		"datasets.sliding":        false,
		"datasets.shards":         32,
		"datasets.sweep_interval": time.Minute,

		"compaction.max_depth":          8,
		"compaction.max_array_elements": 100,
		"compaction.max_string_length":  2000,
		"compaction.max_bytes":          65536,

		"execution.default_timeout":           60 * time.Second,
		"execution.min_timeout":               5 * time.Second,
		"execution.max_timeout":               30 * time.Minute,
		"execution.run_timeout":               30 * time.Second,
		"execution.retry_on_normalized_empty": true,

		"server.addr": DefaultServerAddr,
		"log.level":   DefaultLogLevel,
		"log.format":  DefaultLogFormat,
	}
}

// DefaultSchemaForType returns the default schema for a target type.
func DefaultSchemaForType(targetType string) string {
	switch strings.ToLower(targetType) {
	case "mssql", "sqlserver":
		return "dbo"
	case "postgres":
		return "public"
	default:
		return "main"
	}
}

// ApplyTargetDefaults fills type-dependent target fields.
func ApplyTargetDefaults(t *TargetConfig) {
	if t.Schema == "" {
		t.Schema = DefaultSchemaForType(t.Type)
	}
	if t.Port == 0 {
		switch strings.ToLower(t.Type) {
		case "mssql", "sqlserver":
			t.Port = 1433
		case "postgres":
			t.Port = 5432
		}
	}
}
