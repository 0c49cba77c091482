package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Supported storage engines
const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
	EngineSQLite = "sqlite"
)

// Config holds all configuration for kvschema
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	Engine   string `mapstructure:"engine"`   // pebble, badger, sqlite
	Database string `mapstructure:"database"` // name of the database under data_dir
	LogLevel string `mapstructure:"log_level"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Namespace string `mapstructure:"namespace"`
	Textfile  string `mapstructure:"textfile"` // node_exporter textfile collector output
}

// Load loads configuration from defaults, flags, an optional config file
// and KVSCHEMA_* environment variables.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("KVSCHEMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("engine", EnginePebble)
	v.SetDefault("database", "default")
	v.SetDefault("log_level", "info")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.namespace", "kvschema")
	v.SetDefault("metrics.textfile", "")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":     "data_dir",
		"engine":       "engine",
		"database":     "database",
		"log-level":    "log_level",
		"metrics-file": "metrics.textfile",
	}

	for flag, key := range flags {
		f := lookupFlag(cmd, flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

// bindEnv registers every key with viper so Unmarshal sees KVSCHEMA_*
// variables even for keys without a default or a bound flag.
func bindEnv(v *viper.Viper) error {
	keys := []string{
		"data_dir", "engine", "database", "log_level",
		"metrics.enable", "metrics.namespace", "metrics.textfile",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

// lookupFlag finds a flag declared on cmd or inherited from a parent.
// Persistent flags are checked too since cobra only merges them into
// Flags() while parsing.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	if f := cmd.PersistentFlags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or KVSCHEMA_DATA_DIR environment variable")
	}

	switch cfg.Engine {
	case EnginePebble, EngineBadger, EngineSQLite:
	default:
		return fmt.Errorf("unsupported engine %q (expected %s, %s or %s)", cfg.Engine, EnginePebble, EngineBadger, EngineSQLite)
	}

	if cfg.Database == "" || strings.ContainsAny(cfg.Database, `/\`) || cfg.Database == "." || cfg.Database == ".." {
		return fmt.Errorf("invalid database name %q", cfg.Database)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err == nil {
			cfg.DataDir = absDir
		}
	}

	if cfg.Metrics.Enable && cfg.Metrics.Namespace == "" {
		logrus.Debug("Empty metrics namespace, using default")
		cfg.Metrics.Namespace = "kvschema"
	}

	return nil
}
