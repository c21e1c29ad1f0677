package commands

import (
	"context"
	"log/slog"

	"github.com/leapstack-labs/leapgate/internal/catalog"
	"github.com/leapstack-labs/leapgate/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over HTTP",
		Long: `Start the HTTP tool server.

Routes:
  POST /v1/tools/{tool}   call catalog.search, query.execute or analytics.run
  GET  /v1/tools          list tools
  GET  /healthz           liveness
  GET  /metrics           Prometheus metrics`,
		Example: `  # Serve on the configured address
  leapgate serve

  # Serve on another port and reload the seed file on change
  leapgate serve --addr :9090 --seed catalog.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default :8080)")
	cmd.Flags().Bool("watch", false, "Reload the catalog seed file when it changes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	cfg := cmdCtx.Cfg
	background := []func(ctx context.Context) error{gw.Store.Run}
	if cfg.Catalog.Watch && cfg.Catalog.SeedFile != "" {
		w := catalog.NewSeedWatcher(cmdCtx.Catalog, cfg.Catalog.SeedFile, cmdCtx.Logger, func(n int, err error) {
			if err != nil {
				cmdCtx.Logger.Error("catalog reload failed", slog.Any("error", err))
				return
			}
			cmdCtx.Logger.Info("catalog reloaded", slog.Int("procedures", n))
		})
		background = append(background, w.Run)
	}

	srv := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		Tools:      gw.Tools,
		Metrics:    gw.Metrics,
		Background: background,
		Logger:     cmdCtx.Logger,
	})
	return srv.Serve(cmd.Context())
}
