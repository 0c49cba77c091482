package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxiofs/kvschema/internal/db/migrations"
	"github.com/maxiofs/kvschema/internal/metrics"
	"github.com/maxiofs/kvschema/pkg/schema"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteEngine maps collections to tables and indexes to expression indexes
// over the JSON encoded records.
type SQLiteEngine struct {
	db      *sql.DB
	layout  *migrations.MigrationManager
	ready   atomic.Bool
	logger  *logrus.Logger
	metrics metrics.Manager
}

// OpenSQLite opens a SQLite-backed engine at DataDir/<database>.db
func OpenSQLite(opts Options) (*SQLiteEngine, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(opts.DataDir, opts.Database+".db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer at a time; upgrades hold the connection for their whole transaction
	db.SetMaxOpenConns(1)

	layout := migrations.NewMigrationManager(db, opts.Logger)
	if err := layout.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	e := &SQLiteEngine{
		db:      db,
		layout:  layout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	e.ready.Store(true)

	opts.Logger.WithField("path", dbPath).Info("SQLite schema store initialized")
	return e, nil
}

func (e *SQLiteEngine) Name() string {
	return "sqlite"
}

// Upgrade runs fn when target is above the stored version
func (e *SQLiteEngine) Upgrade(ctx context.Context, target uint32, fn schema.UpgradeFunc) (res *UpgradeResult, err error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}
	if target == 0 {
		return nil, fmt.Errorf("%w: 0", schema.ErrInvalidVersion)
	}

	start := time.Now()
	res = &UpgradeResult{}
	defer func() {
		if err != nil {
			res.To = res.From
			res.Upgraded = false
		}
		finishUpgrade(e.logger, e.metrics, e.Name(), res, target, start, err)
		if err != nil {
			err = fmt.Errorf("upgrade sqlite database from %d to %d: %w", res.From, target, err)
			res = nil
		}
	}()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stored, err := sqliteVersion(ctx, tx)
	if err != nil {
		return res, err
	}
	res.From, res.To = stored, stored
	if target < stored {
		return res, fmt.Errorf("%w: stored %d, requested %d", ErrVersionDowngrade, stored, target)
	}
	if target == stored {
		return res, tx.Commit()
	}

	res.RunID = uuid.New().String()
	stx := &sqliteTx{
		tx: tx,
		counter: &upgradeCounter{
			engine:  e.Name(),
			metrics: e.metrics,
			logger:  e.logger,
		},
	}
	ev := &schema.UpgradeEvent{
		OldVersion: uint64(stored),
		NewVersion: target,
		Database:   stx,
		Tx:         stx,
	}
	if err = fn(ctx, ev); err != nil {
		return res, err
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT INTO kv_meta (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		target,
	); err != nil {
		return res, fmt.Errorf("failed to store schema version: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO kv_upgrade_history (run_id, from_version, to_version, applied_at) VALUES (?, ?, ?, ?)",
		res.RunID, stored, target, time.Now().UnixNano(),
	); err != nil {
		return res, fmt.Errorf("failed to store upgrade record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}

	res.To = target
	res.Upgraded = true
	return res, nil
}

// Version returns the stored schema version, 0 for a fresh database
func (e *SQLiteEngine) Version(ctx context.Context) (uint32, error) {
	if !e.ready.Load() {
		return 0, ErrClosed
	}
	return sqliteVersion(ctx, e.db)
}

// Collections lists the catalog ordered by name, indexes in declaration order
func (e *SQLiteEngine) Collections(ctx context.Context) ([]schema.Collection, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}

	rows, err := e.db.QueryContext(ctx, "SELECT name, key_path, auto_increment FROM kv_collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	var out []schema.Collection
	for rows.Next() {
		var c schema.Collection
		var keyPath string
		if err := rows.Scan(&c.Name, &keyPath, &c.AutoIncrement); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		if err := json.Unmarshal([]byte(keyPath), &c.KeyPath); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode key path of %q: %w", c.Name, err)
		}
		c.Indexes = []schema.Index{}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		indexes, err := sqliteIndexes(ctx, e.db, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Indexes = indexes
	}
	return out, nil
}

// History lists applied upgrades, oldest first
func (e *SQLiteEngine) History(ctx context.Context) ([]UpgradeRecord, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT run_id, from_version, to_version, applied_at
		FROM kv_upgrade_history
		ORDER BY to_version ASC, applied_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query upgrade history: %w", err)
	}
	defer rows.Close()

	var out []UpgradeRecord
	for rows.Next() {
		var rec UpgradeRecord
		var appliedAt int64
		if err := rows.Scan(&rec.RunID, &rec.From, &rec.To, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upgrade record: %w", err)
		}
		rec.AppliedAt = time.Unix(0, appliedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Layout lists the catalog layout migrations applied to this database
func (e *SQLiteEngine) Layout(_ context.Context) ([]migrations.MigrationRecord, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}
	return e.layout.GetMigrationHistory()
}

// Count returns the number of records in a collection
func (e *SQLiteEngine) Count(ctx context.Context, collection string) (int, error) {
	if !e.ready.Load() {
		return 0, ErrClosed
	}
	if _, err := sqliteCollectionMeta(ctx, e.db, collection); err != nil {
		return 0, err
	}
	var n int
	err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(tableName(collection))).Scan(&n)
	return n, err
}

// Close closes the database
func (e *SQLiteEngine) Close() error {
	if !e.ready.CompareAndSwap(true, false) {
		return nil
	}
	return e.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx is the schema.Database and schema.Transaction of one upgrade
type sqliteTx struct {
	tx      *sql.Tx
	counter *upgradeCounter
}

func (t *sqliteTx) BeginVersion(_ context.Context, version uint32) {
	t.counter.beginVersion(version)
}

func (t *sqliteTx) CreateCollection(ctx context.Context, name string, params schema.CreateCollectionParams) error {
	var exists int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM kv_collections WHERE name = ?", name).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	keyPath, err := json.Marshal(params.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to encode key path: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		"INSERT INTO kv_collections (name, key_path, auto_increment, created_at) VALUES (?, ?, ?, ?)",
		name, string(keyPath), params.AutoIncrement, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s (k TEXT PRIMARY KEY, v TEXT NOT NULL)", quoteIdent(tableName(name)),
	)); err != nil {
		return fmt.Errorf("failed to create collection table: %w", err)
	}

	t.counter.command(schema.OpCreateCollection, name, "")
	return nil
}

func (t *sqliteTx) DeleteCollection(ctx context.Context, name string) error {
	if _, err := sqliteCollectionMeta(ctx, t.tx, name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(tableName(name))); err != nil {
		return fmt.Errorf("failed to drop collection table: %w", err)
	}
	// kv_indexes rows go with the cascade
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM kv_collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	t.counter.command(schema.OpDeleteCollection, name, "")
	return nil
}

func (t *sqliteTx) Collection(ctx context.Context, name string) (schema.CollectionHandle, error) {
	if _, err := sqliteCollectionMeta(ctx, t.tx, name); err != nil {
		return nil, err
	}
	return &sqliteCollection{tx: t, name: name}, nil
}

// sqliteCollection is a collection handle inside an upgrade
type sqliteCollection struct {
	tx   *sqliteTx
	name string
}

// CreateIndex records the index and, unless it is multi-entry, builds an
// expression index over the JSON field. Multi-entry indexes live in the
// catalog only.
func (c *sqliteCollection) CreateIndex(ctx context.Context, name string, field schema.KeyPath, params schema.IndexParams) error {
	fieldJSON, err := json.Marshal(field)
	if err != nil {
		return fmt.Errorf("failed to encode index field: %w", err)
	}
	if _, err := c.tx.tx.ExecContext(ctx,
		"INSERT INTO kv_indexes (collection, name, field, is_unique, multi_entry) VALUES (?, ?, ?, ?, ?)",
		c.name, name, string(fieldJSON), params.Unique, params.MultiEntry,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %q on %q", ErrIndexExists, name, c.name)
		}
		return fmt.Errorf("failed to insert index: %w", err)
	}

	if !params.MultiEntry {
		exprs := make([]string, 0, len(field.Paths()))
		for _, p := range field.Paths() {
			exprs = append(exprs, fmt.Sprintf("json_extract(v, %s)", quoteLiteral(jsonPath(p))))
		}
		unique := ""
		if params.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
			unique, quoteIdent(indexName(c.name, name)), quoteIdent(tableName(c.name)), strings.Join(exprs, ", "))
		if _, err := c.tx.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	c.tx.counter.command(schema.OpCreateIndex, c.name, name)
	return nil
}

func (c *sqliteCollection) DeleteIndex(ctx context.Context, name string) error {
	result, err := c.tx.tx.ExecContext(ctx, "DELETE FROM kv_indexes WHERE collection = ? AND name = ?", c.name, name)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q on %q", ErrIndexNotFound, name, c.name)
	}
	if _, err := c.tx.tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+quoteIdent(indexName(c.name, name))); err != nil {
		return fmt.Errorf("failed to drop index: %w", err)
	}

	c.tx.counter.command(schema.OpDeleteIndex, c.name, name)
	return nil
}

// Put stores value under the key found at the collection's key path
func (c *sqliteCollection) Put(ctx context.Context, value map[string]any) error {
	meta, err := sqliteCollectionMeta(ctx, c.tx.tx, c.name)
	if err != nil {
		return err
	}

	seqBefore := meta.Sequence
	key, err := resolveKey(meta.KeyPath, meta.AutoIncrement, value, &meta.Sequence)
	if err != nil {
		return err
	}
	if meta.Sequence != seqBefore {
		if _, err := c.tx.tx.ExecContext(ctx, "UPDATE kv_collections SET sequence = ? WHERE name = ?", meta.Sequence, c.name); err != nil {
			return fmt.Errorf("failed to update sequence: %w", err)
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		quoteIdent(tableName(c.name)))
	if _, err := c.tx.tx.ExecContext(ctx, stmt, key, string(data)); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func (c *sqliteCollection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.tx.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(tableName(c.name))).Scan(&n)
	return n, err
}

func sqliteVersion(ctx context.Context, q querier) (uint32, error) {
	var v int64
	err := q.QueryRowContext(ctx, "SELECT value FROM kv_meta WHERE key = 'version'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return uint32(v), nil
}

func sqliteCollectionMeta(ctx context.Context, q querier, name string) (*collectionMeta, error) {
	var keyPath string
	meta := &collectionMeta{}
	err := q.QueryRowContext(ctx,
		"SELECT name, key_path, auto_increment, sequence FROM kv_collections WHERE name = ?", name,
	).Scan(&meta.Name, &keyPath, &meta.AutoIncrement, &meta.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPath), &meta.KeyPath); err != nil {
		return nil, fmt.Errorf("failed to decode key path of %q: %w", name, err)
	}
	return meta, nil
}

func sqliteIndexes(ctx context.Context, q querier, collection string) ([]schema.Index, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name, field, is_unique, multi_entry FROM kv_indexes WHERE collection = ? ORDER BY id", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	indexes := []schema.Index{}
	for rows.Next() {
		var idx schema.Index
		var field string
		if err := rows.Scan(&idx.Name, &field, &idx.Unique, &idx.MultiEntry); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		if err := json.Unmarshal([]byte(field), &idx.Field); err != nil {
			return nil, fmt.Errorf("failed to decode index field: %w", err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

func tableName(collection string) string {
	return "c_" + collection
}

// indexName is length-prefixed so distinct (collection, index) pairs never collide
func indexName(collection, index string) string {
	return fmt.Sprintf("i_%d_%s_%s", len(collection), collection, index)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// jsonPath converts a dotted key path into a SQLite JSON path
func jsonPath(path string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(path, ".") {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}
