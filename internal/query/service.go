// Package query executes governed stored-procedure calls and routes their
// result sets into datasets and display tables.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapgate/internal/catalog"
	"github.com/leapstack-labs/leapgate/internal/dataset"
	"github.com/leapstack-labs/leapgate/internal/metrics"
	"github.com/leapstack-labs/leapgate/internal/normalize"
	"github.com/leapstack-labs/leapgate/internal/routing"
	"github.com/leapstack-labs/leapgate/internal/tabular"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// Executor runs procedures against the data source. Every core.Adapter
// satisfies it.
type Executor interface {
	ExecProcedure(ctx context.Context, call core.ProcedureCall) (*core.Rows, error)
	ProcedureParams(ctx context.Context, procedure string) ([]string, error)
	SourceID() string
}

// DatasetStore receives engine-routed tables.
type DatasetStore interface {
	Create(table *core.TabularData, name string, bounds core.DatasetBounds) (*core.Dataset, error)
}

// Timeouts clamps caller-requested procedure timeouts.
type Timeouts struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{Default: 60 * time.Second, Min: 5 * time.Second, Max: 30 * time.Minute}
}

// Clamp converts a requested timeout in seconds into the effective one.
// Zero or negative requests use the default.
func (t Timeouts) Clamp(seconds float64) time.Duration {
	d := t.Default
	if seconds > 0 {
		d = time.Duration(seconds * float64(time.Second))
	}
	if t.Min > 0 && d < t.Min {
		d = t.Min
	}
	if t.Max > 0 && d > t.Max {
		d = t.Max
	}
	return d
}

// Config wires a Service.
type Config struct {
	Governor   *catalog.Governor
	Executor   Executor
	ParamCache *catalog.ParamCache
	Normalizer normalize.Normalizer
	Retry      normalize.RetryPolicy
	Store      DatasetStore

	ReaderLimits   tabular.Limits
	Bounds         core.DatasetBounds
	MaxDisplayRows int
	Timeouts       Timeouts

	// Metrics is optional.
	Metrics *metrics.Metrics
	// Logger is optional; a discard logger is used when nil.
	Logger *slog.Logger
}

// Service is the query.execute pipeline.
type Service struct {
	cfg    Config
	reader *tabular.Reader
	logger *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.Nop{}
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	return &Service{
		cfg:    cfg,
		reader: tabular.NewReader(cfg.ReaderLimits, logger),
		logger: logger,
	}
}

// Request is one query.execute call.
type Request struct {
	ProcedureName  string
	Params         map[string]any
	TimeoutSeconds float64
}

// TableDigest summarizes how one result set was routed.
type TableDigest struct {
	Index     int           `json:"index"`
	TableName string        `json:"tableName"`
	TableKind string        `json:"tableKind,omitempty"`
	Grain     string        `json:"grain,omitempty"`
	Delivery  core.Delivery `json:"delivery"`
	Reason    string        `json:"reason"`
	Declared  bool          `json:"declared"`
	Columns   int           `json:"columnCount"`
	Rows      int           `json:"rowCount"`
}

// DisplayTable is a bounded table returned to the caller.
type DisplayTable struct {
	Index      int                 `json:"index"`
	TableName  string              `json:"tableName"`
	TableKind  string              `json:"tableKind,omitempty"`
	Columns    []core.ColumnSchema `json:"columns"`
	Rows       [][]any             `json:"rows"`
	RowCount   int                 `json:"rowCount"`
	TotalCount *int64              `json:"totalCount,omitempty"`
	Truncated  bool                `json:"truncated"`
}

// EngineDataset describes a dataset created from an engine table.
type EngineDataset struct {
	DatasetID      string              `json:"datasetId"`
	TableName      string              `json:"tableName"`
	TableKind      string              `json:"tableKind,omitempty"`
	Schema         []core.ColumnSchema `json:"schema"`
	RowCount       int                 `json:"rowCount"`
	SourceRowCount int64               `json:"sourceRowCount"`
	Truncated      bool                `json:"truncated"`
	PrimaryKey     []string            `json:"primaryKey,omitempty"`
	JoinHints      []string            `json:"joinHints,omitempty"`
	ExpiresAt      time.Time           `json:"expiresAtUtc"`
}

// Response is the routed outcome of one execution.
type Response struct {
	ProcedureName  string          `json:"procedureName"`
	Schema         []TableDigest   `json:"schema"`
	Summary        map[string]any  `json:"summary,omitempty"`
	DisplayTables  []DisplayTable  `json:"displayTables"`
	EngineDatasets []EngineDataset `json:"engineDatasets"`
	Warnings       []string        `json:"warnings"`
}

func (r *Response) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Execute authorizes, runs and routes one procedure call. Governance
// failures return before the data source is contacted.
func (s *Service) Execute(ctx context.Context, req Request) (*Response, error) {
	entry, err := s.cfg.Governor.Authorize(ctx, req.ProcedureName)
	if err != nil {
		return nil, err
	}
	contract, err := s.cfg.Governor.ApplyContract(entry, req.Params)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ProcedureName:  entry.ProcedureName,
		DisplayTables:  []DisplayTable{},
		EngineDatasets: []EngineDataset{},
		Warnings:       []string{},
	}

	if contract.Soft && len(contract.Args) > 0 {
		if err := s.dropUnknownParams(ctx, entry.ProcedureName, contract, resp); err != nil {
			return nil, err
		}
	}
	if len(contract.Defaulted) > 0 {
		s.logger.Debug("applied catalog defaults",
			slog.String("procedure", entry.ProcedureName),
			slog.Any("params", contract.Defaulted))
	}

	args, changes := normalize.Apply(s.cfg.Normalizer, contract.Args)
	for _, c := range changes {
		resp.warnf("parameter %s normalized from %v to %v", c.Param, c.Original, c.Value)
	}

	timeout := s.cfg.Timeouts.Clamp(req.TimeoutSeconds)
	res, err := s.run(ctx, entry.ProcedureName, args, timeout)
	if err != nil {
		return nil, err
	}

	if s.cfg.Retry.ShouldRetry(changes, res.Summary, dataTables(res)) {
		resp.warnf("run with normalized parameters returned no rows; retrying once with original values")
		s.cfg.Metrics.Retried()
		res, err = s.run(ctx, entry.ProcedureName, contract.Args, timeout)
		if err != nil {
			return nil, err
		}
		resp.warnf("retry with original values returned %d rows", rowTotal(res))
	}
	resp.Warnings = append(resp.Warnings, res.Warnings...)

	schemas := make([]core.ResultSetSchema, len(res.Tables))
	for i, t := range res.Tables {
		schemas[i] = t.Schema
	}
	decisions, missing := routing.ClassifyAll(schemas, entry.ResultSetHints)
	if len(missing) > 0 {
		return nil, routing.MetadataRequiredError(entry.ProcedureName, missing)
	}

	for i, d := range decisions {
		s.route(res.Tables[i], d, resp)
	}
	resp.Summary = summaryRecord(res.Summary)

	s.logger.Info("procedure executed",
		slog.String("procedure", entry.ProcedureName),
		slog.Int("tables", len(res.Tables)),
		slog.Int("datasets", len(resp.EngineDatasets)),
		slog.Int("display_tables", len(resp.DisplayTables)),
		slog.Int("warnings", len(resp.Warnings)))
	return resp, nil
}

// dropUnknownParams filters soft-mode arguments against the parameters the
// data source declares. Metadata failures keep every argument.
func (s *Service) dropUnknownParams(ctx context.Context, procedure string, contract *catalog.Contract, resp *Response) error {
	if s.cfg.ParamCache == nil {
		return nil
	}
	known, err := s.cfg.ParamCache.Get(ctx, s.cfg.Executor, procedure)
	if err != nil {
		if ctx.Err() != nil {
			return procedureFailed(ctx, procedure, 0, err)
		}
		resp.warnf("parameter metadata for %s unavailable (%v); parameters passed through unchecked", procedure, err)
		return nil
	}
	for _, name := range contract.DropUnknown(known) {
		resp.warnf("parameter %s dropped: not declared by %s", name, procedure)
	}
	return nil
}

// run executes the procedure once under timeout and reads every result set.
func (s *Service) run(ctx context.Context, procedure string, args []core.ProcedureArg, timeout time.Duration) (*tabular.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := s.cfg.Executor.ExecProcedure(ctx, core.ProcedureCall{Procedure: procedure, Args: args})
	if err != nil {
		return nil, procedureFailed(ctx, procedure, timeout, err)
	}
	defer func() { _ = rows.Close() }()

	res, err := s.reader.Read(ctx, rows)
	if err != nil {
		return nil, procedureFailed(ctx, procedure, timeout, err)
	}

	s.logger.Debug("procedure output read",
		slog.String("procedure", procedure),
		slog.Int("args", len(args)),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func procedureFailed(ctx context.Context, procedure string, timeout time.Duration, err error) *core.ToolError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
		return core.NewToolError(core.CodeProcedureFailed, "procedure %s timed out after %s", procedure, timeout).
			WithDetail("procedureName", procedure).
			WithCause(err)
	}
	return core.NewToolError(core.CodeProcedureFailed, "procedure %s failed: %v", procedure, err).
		WithDetail("procedureName", procedure).
		WithCause(err)
}

func (s *Service) route(t tabular.Table, d routing.Decision, resp *Response) {
	resp.Schema = append(resp.Schema, TableDigest{
		Index:     d.Index,
		TableName: d.TableName,
		TableKind: d.TableKind,
		Grain:     t.Schema.Grain,
		Delivery:  d.Delivery(),
		Reason:    d.Reason,
		Declared:  t.Schema.Declared,
		Columns:   len(t.Data.Columns),
		Rows:      len(t.Data.Rows),
	})
	for _, w := range d.Warnings {
		resp.warnf("table %s: %s", d.TableName, w)
	}

	if d.Engine {
		s.createDataset(t, d, resp)
	}
	if d.Display {
		resp.DisplayTables = append(resp.DisplayTables, s.displayTable(t, d, resp))
	}
}

func (s *Service) createDataset(t tabular.Table, d routing.Decision, resp *Response) {
	ds, err := s.cfg.Store.Create(t.Data, d.TableName, s.cfg.Bounds)
	if errors.Is(err, dataset.ErrEmptyTable) {
		resp.warnf("table %s has no rows; no dataset created", d.TableName)
		return
	}
	if err != nil {
		resp.warnf("table %s: dataset not created: %v", d.TableName, err)
		return
	}
	s.cfg.Metrics.DatasetCreated()
	if ds.Truncated {
		s.cfg.Metrics.Truncated(metrics.TruncDataset)
		resp.warnf("dataset %s holds %d of %d rows and %d of %d columns",
			ds.TableName, len(ds.Rows), ds.SourceRowCount, len(ds.Schema), len(t.Data.Columns))
	}
	resp.EngineDatasets = append(resp.EngineDatasets, EngineDataset{
		DatasetID:      ds.ID,
		TableName:      ds.TableName,
		TableKind:      d.TableKind,
		Schema:         ds.Schema,
		RowCount:       len(ds.Rows),
		SourceRowCount: ds.SourceRowCount,
		Truncated:      ds.Truncated,
		PrimaryKey:     d.PrimaryKey,
		JoinHints:      d.JoinHints,
		ExpiresAt:      ds.ExpiresAt,
	})
}

// displayTable bounds a table for the caller. Columns beyond
// Bounds.MaxColumns are dropped from the right, rows beyond MaxDisplayRows
// from the end.
func (s *Service) displayTable(t tabular.Table, d routing.Decision, resp *Response) DisplayTable {
	cols := t.Data.Columns
	rows := t.Data.Rows
	truncated := false
	if limit := s.cfg.MaxDisplayRows; limit > 0 && len(rows) > limit {
		resp.warnf("display table %s truncated to %d rows (%d available)", d.TableName, limit, len(rows))
		s.cfg.Metrics.Truncated(metrics.TruncDisplayRows)
		rows = rows[:limit]
		truncated = true
	}
	if limit := s.cfg.Bounds.MaxColumns; limit > 0 && len(cols) > limit {
		resp.warnf("display table %s truncated to %d columns (%d available)", d.TableName, limit, len(cols))
		s.cfg.Metrics.Truncated(metrics.TruncDisplayColumns)
		cols = cols[:limit]
		narrowed := make([][]any, len(rows))
		for i, row := range rows {
			narrowed[i] = row[:limit:limit]
		}
		rows = narrowed
		truncated = true
	}
	if rows == nil {
		rows = [][]any{}
	}
	return DisplayTable{
		Index:      d.Index,
		TableName:  d.TableName,
		TableKind:  d.TableKind,
		Columns:    cols,
		Rows:       rows,
		RowCount:   len(rows),
		TotalCount: t.Data.TotalCount,
		Truncated:  truncated || t.Data.TotalCount != nil,
	}
}

func dataTables(res *tabular.Result) []*core.TabularData {
	out := make([]*core.TabularData, len(res.Tables))
	for i, t := range res.Tables {
		out[i] = t.Data
	}
	return out
}

func rowTotal(res *tabular.Result) int {
	n := 0
	for _, t := range res.Tables {
		n += len(t.Data.Rows)
	}
	return n
}

// summaryRecord turns the first summary row into a name/value record.
func summaryRecord(t *core.TabularData) map[string]any {
	if t == nil || len(t.Rows) == 0 {
		return nil
	}
	rec := make(map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		rec[c.Name] = t.Rows[0][i]
	}
	return rec
}
