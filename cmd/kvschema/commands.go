package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxiofs/kvschema/internal/config"
	"github.com/maxiofs/kvschema/internal/metrics"
	"github.com/maxiofs/kvschema/internal/store"
	"github.com/maxiofs/kvschema/pkg/schema"
	"github.com/maxiofs/kvschema/pkg/schema/definition"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the collections a definition file declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadDefinition(cmd)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"version":     s.Version(),
				"collections": s.Collections(),
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Schema definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the commands an upgrade from a stored version would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadDefinition(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")

			upgrade, err := s.Compile()
			if err != nil {
				return err
			}
			rec := &schema.Recorder{}
			if err := upgrade(cmd.Context(), rec.Event(from, s.Version())); err != nil {
				return fmt.Errorf("failed to plan upgrade: %w", err)
			}

			commands := rec.Commands
			if commands == nil {
				commands = []schema.Command{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"from":     from,
				"to":       s.Version(),
				"versions": rec.Versions(),
				"commands": commands,
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Schema definition file (YAML or JSON)")
	cmd.Flags().Uint64("from", 0, "Stored version to plan the upgrade from")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Upgrade the configured database to the definition's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadDefinition(cmd)
			if err != nil {
				return err
			}
			upgrade, err := s.Compile()
			if err != nil {
				return err
			}

			return withEngine(cmd, func(ctx context.Context, engine store.Engine) error {
				res, err := engine.Upgrade(ctx, s.Version(), upgrade)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Schema definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the stored version, collections and upgrade history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine store.Engine) error {
				v, err := engine.Version(ctx)
				if err != nil {
					return err
				}
				cols, err := engine.Collections(ctx)
				if err != nil {
					return err
				}
				history, err := engine.History(ctx)
				if err != nil {
					return err
				}
				if cols == nil {
					cols = []schema.Collection{}
				}
				if history == nil {
					history = []store.UpgradeRecord{}
				}
				out := map[string]any{
					"engine":      engine.Name(),
					"version":     v,
					"collections": cols,
					"history":     history,
				}
				if r, ok := engine.(store.LayoutReporter); ok {
					layout, err := r.Layout(ctx)
					if err != nil {
						return err
					}
					out["catalog_layout"] = layout
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

// loadDefinition parses the --file flag. It needs no data directory, so it
// only sets up logging.
func loadDefinition(cmd *cobra.Command) (*schema.Schema, error) {
	level, _ := cmd.Flags().GetString("log-level")
	setupLogging(level)

	path, _ := cmd.Flags().GetString("file")
	s, err := definition.LoadFile(path, schema.WithLogger(logrus.StandardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	return s, nil
}

// withEngine loads the configuration, opens the engine, runs fn and writes
// the metrics textfile when one is configured.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, engine store.Engine) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version":  version,
		"engine":   cfg.Engine,
		"database": cfg.Database,
	}).Debug("Opening database")

	m := metrics.NewManager(cfg.Metrics)
	engine, err := store.Open(store.Options{
		Engine:   cfg.Engine,
		DataDir:  cfg.DataDir,
		Database: cfg.Database,
		Logger:   logrus.StandardLogger(),
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, engine)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logrus.WithError(err).Warn("Failed to write metrics textfile")
		}
	}
	return runErr
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
