package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNew_JSONToStdout(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := NewTo(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Debug("hidden")
	log.Info("provider failed", "provider", "yahoo", "symbol", "AAPL")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "provider failed", rec["msg"])
	require.Equal(t, "yahoo", rec["provider"])
	require.Equal(t, "AAPL", rec["symbol"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := NewTo(Config{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	log.Debug("cache miss", "kind", "quote")
	require.Contains(t, buf.String(), "msg=\"cache miss\"")
	require.Contains(t, buf.String(), "kind=quote")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "marketdata.log")
	var buf bytes.Buffer
	log, closer, err := NewTo(Config{Output: "both", FilePath: path, MaxSize: 1}, &buf)
	require.NoError(t, err)

	log.Warn("cooldown opened", "provider", "finnhub")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "cooldown opened")
	require.Contains(t, buf.String(), "cooldown opened")
}

func TestNew_FileOutputNeedsPath(t *testing.T) {
	_, _, err := New(Config{Output: "file"})
	require.Error(t, err)
}

func TestNewTo_FileOnlyLeavesConsoleEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketdata.log")
	var console bytes.Buffer
	log, closer, err := NewTo(Config{Output: "file", FilePath: path, MaxSize: 1}, &console)
	require.NoError(t, err)

	log.Info("engine ready")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "engine ready")
	require.Empty(t, console.String())
}
