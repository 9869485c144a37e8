package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/knowledge-engine/internal/config"
)

func TestNewLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	assert.True(t, newLogger(cfg).Enabled(context.Background(), slog.LevelDebug))

	cfg.LogLevel = "warn"
	logger := newLogger(cfg)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc", 10))
	assert.Equal(t, "héll...", oneLine("héllo world", 4))
}

func TestIndexAndSearchCommands(t *testing.T) {
	root := t.TempDir()
	data := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "retries.md"),
		[]byte("Retries use exponential backoff when the provider fails."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cooking.md"),
		[]byte("Roast the vegetables slowly with olive oil."), 0o644))

	t.Setenv("KNOWLEDGE_DATA_DIR", data)
	t.Setenv("KNOWLEDGE_MIN_INTER_TASK_DELAY", "0s")

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--root", root, "--log-level", "error"}, args...))
		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("index"), "queued 2")
	assert.Contains(t, run("search", "exponential", "backoff"), "1. retries.md#0")
	assert.Contains(t, run("ask", "--per-document", "1", "how", "do", "retries", "back", "off"), "exponential backoff")
	assert.Equal(t, "1", askCmd.Flags().Lookup("per-document").Value.String())
	assert.Contains(t, run("status"), "Documents:    2")
	assert.Contains(t, run("version"), "knowledge-engine dev")
}
