// Package commands implements the leapgate subcommands.
package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leapstack-labs/leapgate/internal/analytics"
	"github.com/leapstack-labs/leapgate/internal/catalog"
	"github.com/leapstack-labs/leapgate/internal/config"
	"github.com/leapstack-labs/leapgate/internal/dataset"
	"github.com/leapstack-labs/leapgate/internal/metrics"
	"github.com/leapstack-labs/leapgate/internal/normalize"
	"github.com/leapstack-labs/leapgate/internal/query"
	"github.com/leapstack-labs/leapgate/internal/tools"
	"github.com/leapstack-labs/leapgate/pkg/adapter"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/spf13/cobra"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg     *config.Config
	Logger  *slog.Logger
	Catalog *catalog.SQLiteRepository
}

// NewCommandContext opens the catalog and imports the configured seed file.
// The returned cleanup must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cfg := config.GetConfig(cmd.Context())
	if cfg == nil {
		return nil, nil, errors.New("configuration not loaded")
	}
	logger := config.GetLogger(cmd.Context())

	repo, err := catalog.OpenSQLite(cmd.Context(), cfg.Catalog.Path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Catalog.SeedFile != "" {
		n, err := catalog.ImportSeedFile(cmd.Context(), repo, cfg.Catalog.SeedFile)
		if err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		logger.Debug("catalog seed imported", slog.String("path", cfg.Catalog.SeedFile), slog.Int("procedures", n))
	}

	cleanup := func() {
		_ = repo.Close()
	}
	return &CommandContext{Cfg: cfg, Logger: logger, Catalog: repo}, cleanup, nil
}

// Gateway is the assembled execution stack.
type Gateway struct {
	Adapter core.Adapter
	Store   *dataset.Store
	Metrics *metrics.Metrics
	Query   *query.Service
	Engine  *analytics.Engine
	Tools   *tools.Registry
}

// Close releases the data source connection.
func (g *Gateway) Close() error {
	return g.Adapter.Close()
}

// NewGateway connects to the target and wires query execution, analytics
// and the tool registry over the command's catalog.
func (c *CommandContext) NewGateway(ctx context.Context) (*Gateway, error) {
	cfg := c.Cfg

	adp, err := adapter.Open(ctx, cfg.Target.AdapterConfig(), c.Logger)
	if err != nil {
		return nil, err
	}

	normalizer, err := buildNormalizer(cfg.Execution.Normalize, c.Logger)
	if err != nil {
		_ = adp.Close()
		return nil, err
	}

	g := &Gateway{Adapter: adp}

	opts := cfg.Datasets.StoreOptions()
	opts.OnEvict = func(*core.Dataset) { g.Metrics.DatasetEvicted() }
	g.Store = dataset.NewStore(opts, c.Logger)
	g.Metrics = metrics.New(g.Store.Len)

	bounds := cfg.Limits.Bounds()
	g.Query = query.New(query.Config{
		Governor:       catalog.NewGovernor(c.Catalog, cfg.Catalog.SchemaPrefix, c.Logger),
		Executor:       adp,
		ParamCache:     catalog.NewParamCache(cfg.Catalog.ParamCacheTTL, nil),
		Normalizer:     normalizer,
		Retry:          normalize.RetryPolicy{Enabled: cfg.Execution.RetryOnNormalizedEmpty},
		Store:          g.Store,
		ReaderLimits:   cfg.Limits.Reader(),
		Bounds:         bounds,
		MaxDisplayRows: cfg.Limits.MaxDisplayRows,
		Timeouts:       cfg.Execution.Timeouts(),
		Metrics:        g.Metrics,
		Logger:         c.Logger,
	})
	g.Engine = analytics.NewEngine(g.Store, cfg.Limits.Analytics(cfg.Execution.RunTimeout), bounds, c.Logger)
	g.Tools = tools.New(tools.Config{
		Catalog:    c.Catalog,
		Query:      g.Query,
		Engine:     g.Engine,
		Compaction: cfg.Compaction,
		Metrics:    g.Metrics,
		Logger:     c.Logger,
	})
	return g, nil
}

// buildNormalizer chains the value table and the optional script.
func buildNormalizer(cfg config.NormalizeConfig, logger *slog.Logger) (normalize.Normalizer, error) {
	var chain normalize.Chain
	if len(cfg.Values) > 0 {
		chain = append(chain, normalize.NewMapNormalizer(cfg.Values))
	}
	if cfg.Script != "" {
		script, err := normalize.LoadStarlarkNormalizer(cfg.Script, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, script)
	}
	if len(chain) == 0 {
		return normalize.Nop{}, nil
	}
	return chain, nil
}
