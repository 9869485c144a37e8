// Package main is the entry point for the knowledge-engine CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/knowledge-engine/internal/config"
	"github.com/dshills/knowledge-engine/internal/engine"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	cfgFile   string
	watchRoot string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "knowledge-engine",
	Short: "Index a directory of documents and answer questions from it",
	Long: `knowledge-engine watches a directory, keeps a vector index of its documents
current, and serves retrieval and question answering over that index.

Run "serve" to expose the engine as an MCP server on stdio, or use the index,
search, ask and status subcommands directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); KNOWLEDGE_* environment variables override it")
	rootCmd.PersistentFlags().StringVar(&watchRoot, "root", "", "directory to index (overrides watch_root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies command-line overrides on top of the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if watchRoot != "" {
		cfg.WatchRoot = watchRoot
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// newLogger writes to stderr; stdout is reserved for command output and the
// MCP protocol.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openEngine loads configuration and builds an engine. The returned context
// is cancelled on SIGINT or SIGTERM.
func openEngine(cmd *cobra.Command) (context.Context, context.CancelFunc, *engine.Engine, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return ctx, stop, eng, logger, nil
}
