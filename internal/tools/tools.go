// Package tools exposes catalog.search, query.execute and analytics.run as
// named tools taking loose JSON arguments and returning bounded responses.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/leapstack-labs/leapgate/internal/analytics"
	"github.com/leapstack-labs/leapgate/internal/catalog"
	"github.com/leapstack-labs/leapgate/internal/evidence"
	"github.com/leapstack-labs/leapgate/internal/metrics"
	"github.com/leapstack-labs/leapgate/internal/query"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// Tool names.
const (
	CatalogSearch = "catalog.search"
	QueryExecute  = "query.execute"
	AnalyticsRun  = "analytics.run"
)

// Search result sizes.
const (
	DefaultTopK = 10
	MaxTopK     = 100
)

// Argument describes one tool argument.
type Argument struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description"`
}

// Descriptor describes one tool.
type Descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Arguments   []Argument `json:"arguments"`
}

type handler func(ctx context.Context, args map[string]any) (any, error)

type tool struct {
	desc Descriptor
	run  handler
}

// Config wires a Registry.
type Config struct {
	Catalog    catalog.Repository
	Query      *query.Service
	Engine     *analytics.Engine
	Compaction evidence.Limits

	// Metrics is optional.
	Metrics *metrics.Metrics
	// Logger is optional; a discard logger is used when nil.
	Logger *slog.Logger
}

// Registry dispatches tool calls.
type Registry struct {
	cfg    Config
	tools  map[string]tool
	logger *slog.Logger
}

// New creates a Registry with the three tools registered.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{cfg: cfg, tools: make(map[string]tool), logger: logger}

	r.register(Descriptor{
		Name:        CatalogSearch,
		Description: "Search the procedure catalog by name, domain, entity, description and parameters.",
		Arguments: []Argument{
			{Name: "query", Type: "string", Description: "Free-text search terms; empty lists every procedure."},
			{Name: "topK", Type: "integer", Description: "Maximum results (default 10, at most 100)."},
		},
	}, r.search)
	r.register(Descriptor{
		Name:        QueryExecute,
		Description: "Execute an allowlisted stored procedure and route its result sets into datasets and display tables.",
		Arguments: []Argument{
			{Name: "procedureName", Type: "string", Required: true, Description: "Schema-qualified procedure name."},
			{Name: "params", Type: "object", Description: "Named parameters; the leading @ is optional."},
			{Name: "timeoutSeconds", Type: "number", Description: "Execution timeout, clamped to the configured range."},
		},
	}, r.execute)
	r.register(Descriptor{
		Name:        AnalyticsRun,
		Description: "Run an analytics pipeline over a dataset returned by query.execute.",
		Arguments: []Argument{
			{Name: "datasetId", Type: "string", Required: true, Description: "Dataset handle."},
			{Name: "pipeline", Type: "array", Required: true, Description: "Steps: filter, groupBy, sort, topN, select, join, derive, percentOfTotal, dateBucket."},
			{Name: "topN", Type: "integer", Description: "Keep only the first N result rows."},
			{Name: "persistResult", Type: "boolean", Description: "Store the result as a new dataset."},
		},
	}, r.analyze)
	return r
}

func (r *Registry) register(d Descriptor, run handler) {
	r.tools[d.Name] = tool{desc: d, run: run}
}

// List returns the registered tools ordered by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Call runs one tool and returns its response bounded by the compaction
// limits. Failures are returned as *core.ToolError.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, r.boundError(core.NewToolError(core.CodeInvalidRequest, "unknown tool %q", name).
			WithDetail("tools", r.names()))
	}

	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	out, err := t.run(ctx, plainNumbers(args).(map[string]any))
	if err != nil {
		te := asToolError(err)
		r.cfg.Metrics.ObserveTool(name, string(te.Code), time.Since(start))
		r.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("code", string(te.Code)),
			slog.String("message", te.Message))
		return nil, r.boundError(te)
	}
	r.cfg.Metrics.ObserveTool(name, "", time.Since(start))

	bounded, truncated := evidence.Bound(out, r.cfg.Compaction)
	if truncated {
		r.cfg.Metrics.Truncated(metrics.TruncPayload)
		r.logger.Debug("tool response compacted", slog.String("tool", name))
	}
	return bounded, nil
}

// boundError compacts the error envelope te would be written as. The code
// is never cut.
func (r *Registry) boundError(te *core.ToolError) *core.ToolError {
	bounded, truncated := evidence.Bound(ErrorEnvelope{Error: te}, r.cfg.Compaction)
	if !truncated {
		return te
	}
	r.cfg.Metrics.Truncated(metrics.TruncPayload)

	out := core.NewToolError(te.Code, "%s", evidence.Sentinel).WithCause(te.Unwrap())
	env, _ := bounded.(map[string]any)
	body, _ := env["error"].(map[string]any)
	if msg, ok := body["message"].(string); ok {
		out.Message = msg
	}
	if details, ok := body["details"].(map[string]any); ok {
		out.Details = details
	}
	return out
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ===== Error envelope =====

// ErrorEnvelope is the body returned for a failed call.
type ErrorEnvelope struct {
	Error *core.ToolError `json:"error"`
}

// Envelope wraps err for the caller.
func Envelope(err error) ErrorEnvelope {
	return ErrorEnvelope{Error: asToolError(err)}
}

func asToolError(err error) *core.ToolError {
	if te, ok := core.AsToolError(err); ok {
		return te
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.NewToolError(core.CodeExecutionFailed, "request cancelled: %v", err).WithCause(err)
	}
	return core.NewToolError(core.CodeExecutionFailed, "%v", err).WithCause(err)
}

// ===== Handlers =====

// SearchResponse is the catalog.search response.
type SearchResponse struct {
	Results []catalog.SearchResult `json:"results"`
}

func (r *Registry) search(ctx context.Context, args map[string]any) (any, error) {
	var req SearchRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	topK := req.TopK
	switch {
	case topK <= 0:
		topK = DefaultTopK
	case topK > MaxTopK:
		topK = MaxTopK
	}

	results, err := catalog.Search(ctx, r.cfg.Catalog, req.Query, topK)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []catalog.SearchResult{}
	}
	return SearchResponse{Results: results}, nil
}

func (r *Registry) execute(ctx context.Context, args map[string]any) (any, error) {
	var req ExecuteRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.ProcedureName == "" {
		return nil, missingArgument("procedureName")
	}
	return r.cfg.Query.Execute(ctx, query.Request{
		ProcedureName:  req.ProcedureName,
		Params:         req.Params,
		TimeoutSeconds: req.TimeoutSeconds,
	})
}

func (r *Registry) analyze(ctx context.Context, args map[string]any) (any, error) {
	var req RunRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.DatasetID == "" {
		return nil, missingArgument("datasetId")
	}
	if req.TopN < 0 {
		return nil, core.NewToolError(core.CodeInvalidRequest, "topN must not be negative").
			WithDetail("topN", req.TopN)
	}

	pipeline, errs := analytics.ParsePipeline(req.Pipeline)
	if len(errs) > 0 {
		return nil, analytics.PipelineError(errs)
	}
	res, err := r.cfg.Engine.Run(ctx, analytics.RunRequest{
		DatasetID:     req.DatasetID,
		Pipeline:      pipeline,
		TopN:          req.TopN,
		PersistResult: req.PersistResult,
	})
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		r.cfg.Metrics.Truncated(metrics.TruncResultRows)
	}
	if res.ResultDatasetID != "" {
		r.cfg.Metrics.DatasetCreated()
	}
	return res, nil
}
