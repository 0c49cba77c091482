package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const libraryYAML = `
versions:
  - version: 1
    steps:
      - add_collection: books
        key_path: isbn
      - add_index: byTitle
        field: title
        unique: true
  - version: 2
    steps:
      - select_collection: books
      - add_index: byYear
        field: year
      - add_collection: users
        key: id
        increment: true
`

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeDefinition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(libraryYAML), 0644))
	return path
}

// run executes the root command and decodes its JSON output
func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result), out.String())
	return result, nil
}

func TestSetupLogging_AllLevels(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"DEBUG", logrus.InfoLevel},
		{"unknown", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		name := tt.input
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			setupLogging(tt.input)
			assert.Equal(t, tt.expected, logrus.GetLevel())
		})
	}
}

func TestSetupLogging_JSONFormatter(t *testing.T) {
	setupLogging("info")

	formatter, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	require.True(t, ok, "Formatter should be JSONFormatter")
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()

	defaults := map[string]string{
		"config":       "",
		"data-dir":     "",
		"engine":       "pebble",
		"database":     "default",
		"log-level":    "info",
		"metrics-file": "",
	}
	for name, want := range defaults {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, "flag %q should exist", name)
		assert.Equal(t, want, flag.DefValue, "flag %q default", name)
	}

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"describe", "plan", "apply", "status"}, names)
}

func TestDescribe(t *testing.T) {
	result, err := run(t, "describe", "-f", writeDefinition(t))
	require.NoError(t, err)

	assert.Equal(t, float64(2), result["version"])
	cols := result["collections"].([]any)
	require.Len(t, cols, 2)

	books := cols[0].(map[string]any)
	assert.Equal(t, "books", books["name"])
	assert.Equal(t, "isbn", books["keyPath"])
	assert.Len(t, books["indexes"], 2)

	users := cols[1].(map[string]any)
	assert.Equal(t, "users", users["name"])
	assert.Equal(t, true, users["autoIncrement"])
}

func TestDescribe_RequiresFile(t *testing.T) {
	_, err := run(t, "describe")
	assert.Error(t, err)
}

func TestPlan(t *testing.T) {
	path := writeDefinition(t)

	t.Run("FromScratch", func(t *testing.T) {
		result, err := run(t, "plan", "-f", path)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1), float64(2)}, result["versions"])
		assert.Len(t, result["commands"], 4)
	})

	t.Run("FromVersionOne", func(t *testing.T) {
		result, err := run(t, "plan", "-f", path, "--from", "1")
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2)}, result["versions"])

		commands := result["commands"].([]any)
		require.Len(t, commands, 2)
		first := commands[0].(map[string]any)
		assert.Equal(t, "create_collection", first["op"])
		assert.Equal(t, "users", first["collection"])
		second := commands[1].(map[string]any)
		assert.Equal(t, "create_index", second["op"])
		assert.Equal(t, "byYear", second["index"])
	})

	t.Run("UpToDate", func(t *testing.T) {
		result, err := run(t, "plan", "-f", path, "--from", "2")
		require.NoError(t, err)
		assert.Empty(t, result["commands"])
	})
}

func TestApplyAndStatus(t *testing.T) {
	for _, engine := range []string{"pebble", "badger", "sqlite"} {
		t.Run(engine, func(t *testing.T) {
			path := writeDefinition(t)
			dataDir := t.TempDir()
			metricsFile := filepath.Join(t.TempDir(), "kvschema.prom")
			common := []string{"--data-dir", dataDir, "--engine", engine, "--metrics-file", metricsFile}

			result, err := run(t, append([]string{"apply", "-f", path}, common...)...)
			require.NoError(t, err)
			assert.Equal(t, true, result["upgraded"])
			assert.Equal(t, float64(0), result["from"])
			assert.Equal(t, float64(2), result["to"])
			assert.NotEmpty(t, result["run_id"])

			data, err := os.ReadFile(metricsFile)
			require.NoError(t, err)
			assert.Contains(t, string(data), "kvschema_upgrade_runs_total")

			result, err = run(t, append([]string{"apply", "-f", path}, common...)...)
			require.NoError(t, err)
			assert.Equal(t, false, result["upgraded"])

			result, err = run(t, append([]string{"status"}, common...)...)
			require.NoError(t, err)
			assert.Equal(t, engine, result["engine"])
			assert.Equal(t, float64(2), result["version"])
			assert.Len(t, result["collections"], 2)
			assert.Len(t, result["history"], 1)

			if engine == "sqlite" {
				layout := result["catalog_layout"].([]any)
				require.Len(t, layout, 2)
				assert.Equal(t, float64(1), layout[0].(map[string]any)["version"])
			} else {
				assert.NotContains(t, result, "catalog_layout")
			}
		})
	}
}

func TestStatus_RequiresDataDir(t *testing.T) {
	t.Setenv("KVSCHEMA_DATA_DIR", "")
	_, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir is required")
}
