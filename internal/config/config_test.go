package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	root := &cobra.Command{Use: "kvschema"}
	root.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	root.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	root.PersistentFlags().String("engine", "pebble", "Storage engine")
	root.PersistentFlags().String("database", "default", "Database name")
	root.PersistentFlags().String("log-level", "info", "Log level")
	root.PersistentFlags().String("metrics-file", "", "Metrics textfile")
	return root
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "pebble", v.GetString("engine"))
	assert.Equal(t, "default", v.GetString("database"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Empty(t, v.GetString("data_dir"))
}

func TestSetDefaults_Metrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "kvschema", v.GetString("metrics.namespace"))
	assert.Empty(t, v.GetString("metrics.textfile"))
}

func TestLoad_FromFlags(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--data-dir", dataDir, "--engine", "badger", "--database", "library"}))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, EngineBadger, cfg.Engine)
	assert.Equal(t, "library", cfg.Database)
	assert.True(t, cfg.Metrics.Enable)
	assert.DirExists(t, dataDir)
}

func TestLoad_FromConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kvschema.yaml")
	content := "data_dir: " + filepath.Join(dir, "data") + "\nengine: sqlite\nmetrics:\n  enable: false\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", configPath}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, EngineSQLite, cfg.Engine)
	assert.False(t, cfg.Metrics.Enable)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("KVSCHEMA_DATA_DIR", t.TempDir())
	t.Setenv("KVSCHEMA_METRICS_TEXTFILE", "/tmp/kvschema.prom")

	cfg, err := Load(newTestCommand())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/kvschema.prom", cfg.Metrics.Textfile)
}

func TestLoad_DataDirFromEnvironmentOnly(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "env")
	t.Setenv("KVSCHEMA_DATA_DIR", dataDir)
	t.Setenv("KVSCHEMA_ENGINE", "sqlite")

	// a command without the data-dir flag at all
	cmd := &cobra.Command{Use: "bare"}
	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, EngineSQLite, cfg.Engine)
	assert.Equal(t, "default", cfg.Database)
}

func TestLoad_FlagOverridesEnvironment(t *testing.T) {
	t.Setenv("KVSCHEMA_DATA_DIR", t.TempDir())
	t.Setenv("KVSCHEMA_ENGINE", "sqlite")

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--engine", "badger"}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, EngineBadger, cfg.Engine)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing data dir", Config{Engine: EnginePebble, Database: "db"}, true},
		{"unknown engine", Config{DataDir: t.TempDir(), Engine: "bolt", Database: "db"}, true},
		{"empty database", Config{DataDir: t.TempDir(), Engine: EnginePebble}, true},
		{"database with separator", Config{DataDir: t.TempDir(), Engine: EnginePebble, Database: "../x"}, true},
		{"valid", Config{DataDir: t.TempDir(), Engine: EngineSQLite, Database: "db"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := validate(&cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidate_DefaultsMetricsNamespace(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), Engine: EnginePebble, Database: "db", Metrics: MetricsConfig{Enable: true}}
	require.NoError(t, validate(&cfg))
	assert.Equal(t, "kvschema", cfg.Metrics.Namespace)
}
