package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/knowledge-engine/internal/mcp"
	"github.com/dshills/knowledge-engine/internal/storage"
)

var serveNoWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the root and serve MCP tools on stdio",
	Long: `serve reconciles the watch root, follows changes on disk and answers MCP
tool calls (search_knowledge, ask, reindex, get_status) on stdin/stdout until
stdin closes or the process is interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, eng, logger, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { _ = eng.Close() }()

		logger.Info("knowledge engine starting",
			"version", version,
			"build_mode", storage.BuildMode,
			"driver", storage.DriverName,
			"watch", !serveNoWatch)

		srv, err := mcp.NewServer(eng, logger)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(gctx, !serveNoWatch) })
		g.Go(func() error {
			// A closed stdin ends the session and stops the engine.
			defer stop()
			return srv.Serve(gctx)
		})
		err = g.Wait()
		logger.Info("knowledge engine stopped")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "reconcile once at startup instead of following changes")
	rootCmd.AddCommand(serveCmd)
}
