package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/leapgate/internal/catalog"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/spf13/cobra"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the procedure catalog",
		Long: `Inspect and populate the procedure catalog.

Only procedures in the catalog that are enabled, read-only and
atomic-compatible can be executed.`,
	}
	cmd.PersistentFlags().StringP("format", "f", FormatAuto, "Output format: auto, table, json")

	cmd.AddCommand(newCatalogImportCommand())
	cmd.AddCommand(newCatalogSearchCommand())
	cmd.AddCommand(newCatalogShowCommand())
	return cmd
}

func newCatalogImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "import <seed.yaml>",
		Short:   "Import procedures from a YAML seed file",
		Example: `  leapgate catalog import catalog.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := catalog.ImportSeedFile(cmd.Context(), cmdCtx.Catalog, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d procedures into %s\n", n, cmdCtx.Catalog.Path())
			return nil
		},
	}
}

func newCatalogSearchCommand() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search executable procedures",
		Example: `  leapgate catalog search collections
  leapgate catalog search "finance invoices" --top-k 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			q := ""
			if len(args) == 1 {
				q = args[0]
			}
			results, err := catalog.Search(cmd.Context(), cmdCtx.Catalog, q, topK)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			format, _ := cmd.Flags().GetString("format")
			if resolveFormat(format, w) == FormatJSON {
				if results == nil {
					results = []catalog.SearchResult{}
				}
				return renderJSON(w, map[string]any{"results": results})
			}
			if len(results) == 0 {
				_, _ = fmt.Fprintln(w, "No matching procedures")
				return nil
			}
			rows := make([]table.Row, len(results))
			for i, r := range results {
				rows[i] = table.Row{r.ProcedureName, r.Domain, r.Entity, fmt.Sprintf("%.2f", r.Score), strings.Join(r.Parameters, ", ")}
			}
			renderList(w, table.Row{"Procedure", "Domain", "Entity", "Score", "Parameters"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "Maximum results")
	return cmd
}

func newCatalogShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <procedure>",
		Short:   "Show one catalog entry",
		Example: `  leapgate catalog show dbo.usp_Collections`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			entry, err := cmdCtx.Catalog.Get(cmd.Context(), args[0])
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("procedure %s is not in the catalog", args[0])
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			format, _ := cmd.Flags().GetString("format")
			if resolveFormat(format, w) == FormatJSON {
				return renderJSON(w, entry)
			}
			renderEntry(cmd, entry)
			return nil
		},
	}
}

func renderEntry(cmd *cobra.Command, e *core.CatalogEntry) {
	w := cmd.OutOrStdout()
	renderList(w, table.Row{"Field", "Value"}, []table.Row{
		{"Procedure", e.ProcedureName},
		{"Domain", e.Domain},
		{"Entity", e.Entity},
		{"Description", e.Description},
		{"Enabled", e.IsEnabled},
		{"Read-only", e.IsReadOnly},
		{"Atomic-compatible", e.IsAtomicCompatible},
	})

	if len(e.Params) > 0 {
		rows := make([]table.Row, len(e.Params))
		for i, p := range e.Params {
			def := ""
			if p.Default != nil {
				def = formatValue(p.Default)
			}
			rows[i] = table.Row{p.Name, p.Required, def}
		}
		renderList(w, table.Row{"Parameter", "Required", "Default"}, rows)
	}

	if len(e.ResultSetHints) > 0 {
		idx := make([]int, 0, len(e.ResultSetHints))
		for i := range e.ResultSetHints {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		rows := make([]table.Row, len(idx))
		for n, i := range idx {
			h := e.ResultSetHints[i]
			rows[n] = table.Row{i, h.Delivery, h.DatasetName, h.TableKind, strings.Join(h.PrimaryKey, ", ")}
		}
		renderList(w, table.Row{"Result set", "Delivery", "Dataset", "Kind", "Primary key"}, rows)
	}
}
