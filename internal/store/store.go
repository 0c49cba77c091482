package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxiofs/kvschema/internal/config"
	"github.com/maxiofs/kvschema/internal/db/migrations"
	"github.com/maxiofs/kvschema/internal/metrics"
	"github.com/maxiofs/kvschema/pkg/schema"
	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrIndexExists        = errors.New("index already exists")
	ErrIndexNotFound      = errors.New("index not found")
	ErrVersionDowngrade   = errors.New("requested version is lower than the stored version")
	ErrInvalidKey         = errors.New("invalid key")
	ErrClosed             = errors.New("engine is closed")
)

// Engine is a storage engine that understands schema upgrades.
//
// Upgrade implements the connection-open rule: when target is above the
// stored version, fn runs once inside a single write transaction together
// with the version bump; any error aborts the whole transaction.
type Engine interface {
	Upgrade(ctx context.Context, target uint32, fn schema.UpgradeFunc) (*UpgradeResult, error)
	Version(ctx context.Context) (uint32, error)
	Collections(ctx context.Context) ([]schema.Collection, error)
	History(ctx context.Context) ([]UpgradeRecord, error)
	Count(ctx context.Context, collection string) (int, error)
	Name() string
	Close() error
}

// LayoutReporter is implemented by engines that version their own catalog
// layout separately from the user schema.
type LayoutReporter interface {
	Layout(ctx context.Context) ([]migrations.MigrationRecord, error)
}

// RecordWriter is implemented by the collection handles the engines pass to
// upgrade callbacks, so callbacks can seed data.
type RecordWriter interface {
	Put(ctx context.Context, value map[string]any) error
	Count(ctx context.Context) (int, error)
}

// UpgradeResult describes one Upgrade call
type UpgradeResult struct {
	RunID    string `json:"run_id,omitempty"`
	From     uint32 `json:"from"`
	To       uint32 `json:"to"`
	Upgraded bool   `json:"upgraded"`
}

// UpgradeRecord is a persisted history entry of an applied upgrade
type UpgradeRecord struct {
	RunID     string    `json:"run_id"`
	From      uint32    `json:"from"`
	To        uint32    `json:"to"`
	AppliedAt time.Time `json:"applied_at"`
}

// Options selects and configures an engine
type Options struct {
	Engine   string // pebble, badger, sqlite
	DataDir  string
	Database string
	Logger   *logrus.Logger
	Metrics  metrics.Manager
}

// Open opens the engine named in opts
func Open(opts Options) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch opts.Engine {
	case config.EnginePebble, "":
		engine, err = OpenPebble(opts)
	case config.EngineBadger:
		engine, err = OpenBadger(opts)
	case config.EngineSQLite:
		engine, err = OpenSQLite(opts)
	default:
		return nil, fmt.Errorf("unsupported engine %q", opts.Engine)
	}
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewManager(config.MetricsConfig{Enable: false})
	}
	if o.Database == "" {
		o.Database = "default"
	}
	return o
}

// upgradeCounter feeds per-version and per-command metrics while an
// upgrade function runs.
type upgradeCounter struct {
	engine   string
	metrics  metrics.Manager
	logger   *logrus.Logger
	versions int
}

func (c *upgradeCounter) beginVersion(version uint32) {
	c.versions++
	c.metrics.RecordVersionApplied(c.engine)
	c.logger.WithFields(logrus.Fields{
		"engine":  c.engine,
		"version": version,
	}).Debug("Schema version started")
}

func (c *upgradeCounter) command(op schema.Op, collection, index string) {
	c.metrics.RecordSchemaCommand(c.engine, string(op))
	fields := logrus.Fields{
		"engine":     c.engine,
		"op":         op,
		"collection": collection,
	}
	if index != "" {
		fields["index"] = index
	}
	c.logger.WithFields(fields).Debug("Schema command applied")
}

func finishUpgrade(logger *logrus.Logger, m metrics.Manager, engine string, res *UpgradeResult, target uint32, start time.Time, err error) {
	if !res.Upgraded && err == nil {
		return
	}
	duration := time.Since(start)
	m.RecordUpgrade(engine, res.From, target, duration, err)

	entry := logger.WithFields(logrus.Fields{
		"engine":   engine,
		"run_id":   res.RunID,
		"from":     res.From,
		"to":       target,
		"duration": duration,
	})
	if err != nil {
		entry.WithError(err).Error("Schema upgrade failed")
		return
	}
	entry.Info("Schema upgrade completed")
}
