package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/leapgate/internal/analytics"
	"github.com/leapstack-labs/leapgate/internal/query"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// QueryOptions holds options for the query exec command.
type QueryOptions struct {
	Params   []string
	Timeout  time.Duration
	Pipeline string
	TopN     int
	Format   string
}

// NewQueryCommand creates the query command group.
func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Execute catalog procedures",
	}
	cmd.AddCommand(newQueryExecCommand())
	return cmd
}

func newQueryExecCommand() *cobra.Command {
	opts := &QueryOptions{}
	cmd := &cobra.Command{
		Use:   "exec <procedure>",
		Short: "Execute a procedure and show its routed result sets",
		Long: `Execute an allowlisted stored procedure through the same governance,
normalization and routing as the query.execute tool.

With --pipeline, the first engine dataset is analyzed in-process with the
steps from a YAML or JSON file.`,
		Example: `  # Execute with parameters
  leapgate query exec dbo.usp_Collections -p Year=2024 -p Status=open

  # Execute and run a pipeline over the first dataset
  leapgate query exec dbo.usp_Collections -p Year=2024 --pipeline by_region.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryExec(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "Parameter as Name=Value (repeatable)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Procedure timeout (default from configuration)")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "Pipeline file to run over the first engine dataset")
	cmd.Flags().IntVar(&opts.TopN, "top-n", 0, "Keep only the first N pipeline result rows")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", FormatAuto, "Output format: auto, table, json")
	return cmd
}

func runQueryExec(cmd *cobra.Command, procedure string, opts *QueryOptions) error {
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}
	var pipeline analytics.Pipeline
	if opts.Pipeline != "" {
		if pipeline, err = loadPipeline(opts.Pipeline); err != nil {
			return err
		}
	}

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	gw, err := cmdCtx.NewGateway(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	resp, err := gw.Query.Execute(cmd.Context(), query.Request{
		ProcedureName:  procedure,
		Params:         params,
		TimeoutSeconds: opts.Timeout.Seconds(),
	})
	if err != nil {
		return err
	}

	var result *analytics.Result
	if pipeline != nil {
		if len(resp.EngineDatasets) == 0 {
			return fmt.Errorf("%s returned no engine dataset to analyze", procedure)
		}
		result, err = gw.Engine.Run(cmd.Context(), analytics.RunRequest{
			DatasetID: resp.EngineDatasets[0].DatasetID,
			Pipeline:  pipeline,
			TopN:      opts.TopN,
		})
		if err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if resolveFormat(opts.Format, w) == FormatJSON {
		if result != nil {
			return renderJSON(w, map[string]any{"execution": resp, "analysis": result})
		}
		return renderJSON(w, resp)
	}
	renderExecution(w, resp, gw)
	if result != nil {
		renderRows(w, "\nPipeline result", result.Schema, result.PreviewRows, result.RowCount)
		renderWarnings(w, result.Warnings)
	}
	return nil
}

func renderExecution(w io.Writer, resp *query.Response, gw *Gateway) {
	if len(resp.Schema) > 0 {
		rows := make([]table.Row, len(resp.Schema))
		for i, d := range resp.Schema {
			rows[i] = table.Row{d.Index, d.TableName, d.Delivery, d.Columns, d.Rows, d.Reason}
		}
		renderList(w, table.Row{"#", "Table", "Delivery", "Columns", "Rows", "Reason"}, rows)
	}
	if len(resp.Summary) > 0 {
		_, _ = fmt.Fprintln(w, "Summary")
		for k, v := range resp.Summary {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", k, formatValue(v))
		}
	}
	for _, d := range resp.DisplayTables {
		total := d.RowCount
		if d.TotalCount != nil {
			total = int(*d.TotalCount)
		}
		renderRows(w, "\n"+d.TableName, d.Columns, d.Rows, total)
	}
	for _, d := range resp.EngineDatasets {
		title := fmt.Sprintf("\nDataset %s (%s, expires %s)", d.TableName, d.DatasetID, d.ExpiresAt.Format(time.RFC3339))
		if ds, ok := gw.Store.Get(d.DatasetID); ok {
			renderRows(w, title, ds.Schema, ds.Preview(), len(ds.Rows))
		}
	}
	renderWarnings(w, resp.Warnings)
}

// parseParams turns Name=Value pairs into typed arguments. Integers, floats
// and booleans are recognized; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected Name=Value", pair)
		}
		params[name] = scalar(value)
	}
	return params, nil
}

func scalar(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// loadPipeline reads pipeline steps from a YAML or JSON file.
func loadPipeline(path string) (analytics.Pipeline, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a command argument
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", path, err)
	}
	p, errs := analytics.ParsePipeline(raw)
	if len(errs) > 0 {
		return nil, analytics.PipelineError(errs)
	}
	return p, nil
}
