package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxiofs/kvschema/internal/metrics"
	"github.com/maxiofs/kvschema/pkg/schema"
	"github.com/sirupsen/logrus"
)

// Key layout shared by the pebble and badger engines
const (
	versionKey       = "_schema:version"
	historyPrefix    = "_schema:history:"
	collectionPrefix = "_schema:collection:"
	recordPrefix     = "rec:"
)

var errNotFound = errors.New("key not found")

// kvTxn is the transactional key-value surface both LSM engines provide.
// scan hands out copies of keys and values.
type kvTxn interface {
	get(key []byte) ([]byte, error)
	set(key, value []byte) error
	delete(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
}

// kvBackend runs functions in read-only or read-write transactions
type kvBackend interface {
	view(fn func(kvTxn) error) error
	update(fn func(kvTxn) error) error
	close() error
}

// KVEngine stores the collection catalog, the schema version, the upgrade
// history and records in an ordered key-value store.
type KVEngine struct {
	name    string
	backend kvBackend
	ready   atomic.Bool
	logger  *logrus.Logger
	metrics metrics.Manager
}

// collectionMeta is the persisted catalog entry of a collection
type collectionMeta struct {
	schema.Collection
	Sequence int64 `json:"sequence"`
}

func newKVEngine(name string, backend kvBackend, opts Options) *KVEngine {
	e := &KVEngine{
		name:    name,
		backend: backend,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	e.ready.Store(true)
	return e
}

func (e *KVEngine) Name() string {
	return e.name
}

// Upgrade runs fn when target is above the stored version
func (e *KVEngine) Upgrade(ctx context.Context, target uint32, fn schema.UpgradeFunc) (*UpgradeResult, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}
	if target == 0 {
		return nil, fmt.Errorf("%w: 0", schema.ErrInvalidVersion)
	}

	start := time.Now()
	res := &UpgradeResult{}
	err := e.backend.update(func(txn kvTxn) error {
		stored, err := readVersion(txn)
		if err != nil {
			return err
		}
		res.From, res.To = stored, stored
		if target < stored {
			return fmt.Errorf("%w: stored %d, requested %d", ErrVersionDowngrade, stored, target)
		}
		if target == stored {
			return nil
		}

		res.RunID = uuid.New().String()
		tx := &kvTx{
			txn: txn,
			counter: &upgradeCounter{
				engine:  e.name,
				metrics: e.metrics,
				logger:  e.logger,
			},
		}
		ev := &schema.UpgradeEvent{
			OldVersion: uint64(stored),
			NewVersion: target,
			Database:   tx,
			Tx:         tx,
		}
		if err := fn(ctx, ev); err != nil {
			return err
		}

		if err := writeVersion(txn, target); err != nil {
			return err
		}
		record := UpgradeRecord{
			RunID:     res.RunID,
			From:      stored,
			To:        target,
			AppliedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal upgrade record: %w", err)
		}
		if err := txn.set(historyKey(target, res.RunID), data); err != nil {
			return fmt.Errorf("failed to store upgrade record: %w", err)
		}

		res.To = target
		res.Upgraded = true
		return nil
	})
	if err != nil {
		res.To = res.From
		res.Upgraded = false
	}

	finishUpgrade(e.logger, e.metrics, e.name, res, target, start, err)
	if err != nil {
		return nil, fmt.Errorf("upgrade %s database from %d to %d: %w", e.name, res.From, target, err)
	}
	return res, nil
}

// Version returns the stored schema version, 0 for a fresh database
func (e *KVEngine) Version(ctx context.Context) (uint32, error) {
	if !e.ready.Load() {
		return 0, ErrClosed
	}
	var v uint32
	err := e.backend.view(func(txn kvTxn) error {
		var err error
		v, err = readVersion(txn)
		return err
	})
	return v, err
}

// Collections lists the catalog ordered by name
func (e *KVEngine) Collections(ctx context.Context) ([]schema.Collection, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}
	var out []schema.Collection
	err := e.backend.view(func(txn kvTxn) error {
		return txn.scan([]byte(collectionPrefix), func(_, value []byte) error {
			var meta collectionMeta
			if err := json.Unmarshal(value, &meta); err != nil {
				return fmt.Errorf("failed to unmarshal collection: %w", err)
			}
			out = append(out, meta.Collection)
			return nil
		})
	})
	return out, err
}

// History lists applied upgrades, oldest first
func (e *KVEngine) History(ctx context.Context) ([]UpgradeRecord, error) {
	if !e.ready.Load() {
		return nil, ErrClosed
	}
	var out []UpgradeRecord
	err := e.backend.view(func(txn kvTxn) error {
		return txn.scan([]byte(historyPrefix), func(_, value []byte) error {
			var rec UpgradeRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal upgrade record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Count returns the number of records in a collection
func (e *KVEngine) Count(ctx context.Context, collection string) (int, error) {
	if !e.ready.Load() {
		return 0, ErrClosed
	}
	var n int
	err := e.backend.view(func(txn kvTxn) error {
		if _, err := loadMeta(txn, collection); err != nil {
			return err
		}
		var err error
		n, err = countRecords(txn, collection)
		return err
	})
	return n, err
}

// Close releases the underlying store
func (e *KVEngine) Close() error {
	if !e.ready.CompareAndSwap(true, false) {
		return nil
	}
	return e.backend.close()
}

// kvTx is the schema.Database and schema.Transaction of one upgrade
type kvTx struct {
	txn     kvTxn
	counter *upgradeCounter
}

func (t *kvTx) BeginVersion(_ context.Context, version uint32) {
	t.counter.beginVersion(version)
}

func (t *kvTx) CreateCollection(_ context.Context, name string, params schema.CreateCollectionParams) error {
	_, err := t.txn.get(collectionKey(name))
	if err == nil {
		return fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}
	if !errors.Is(err, errNotFound) {
		return err
	}

	meta := &collectionMeta{Collection: schema.Collection{
		Name:          name,
		KeyPath:       params.KeyPath,
		AutoIncrement: params.AutoIncrement,
		Indexes:       []schema.Index{},
	}}
	if err := putMeta(t.txn, meta); err != nil {
		return err
	}
	t.counter.command(schema.OpCreateCollection, name, "")
	return nil
}

func (t *kvTx) DeleteCollection(_ context.Context, name string) error {
	if _, err := loadMeta(t.txn, name); err != nil {
		return err
	}

	var keys [][]byte
	if err := t.txn.scan(recordKeyPrefix(name), func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.txn.delete(key); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
	}
	if err := t.txn.delete(collectionKey(name)); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	t.counter.command(schema.OpDeleteCollection, name, "")
	return nil
}

func (t *kvTx) Collection(_ context.Context, name string) (schema.CollectionHandle, error) {
	if _, err := loadMeta(t.txn, name); err != nil {
		return nil, err
	}
	return &kvCollection{tx: t, name: name}, nil
}

// kvCollection is a collection handle inside an upgrade
type kvCollection struct {
	tx   *kvTx
	name string
}

func (c *kvCollection) CreateIndex(_ context.Context, name string, field schema.KeyPath, params schema.IndexParams) error {
	meta, err := loadMeta(c.tx.txn, c.name)
	if err != nil {
		return err
	}
	for _, idx := range meta.Indexes {
		if idx.Name == name {
			return fmt.Errorf("%w: %q on %q", ErrIndexExists, name, c.name)
		}
	}
	meta.Indexes = append(meta.Indexes, schema.Index{
		Name:       name,
		Field:      field,
		MultiEntry: params.MultiEntry,
		Unique:     params.Unique,
	})
	if err := putMeta(c.tx.txn, meta); err != nil {
		return err
	}
	c.tx.counter.command(schema.OpCreateIndex, c.name, name)
	return nil
}

func (c *kvCollection) DeleteIndex(_ context.Context, name string) error {
	meta, err := loadMeta(c.tx.txn, c.name)
	if err != nil {
		return err
	}
	kept := meta.Indexes[:0]
	found := false
	for _, idx := range meta.Indexes {
		if idx.Name == name {
			found = true
			continue
		}
		kept = append(kept, idx)
	}
	if !found {
		return fmt.Errorf("%w: %q on %q", ErrIndexNotFound, name, c.name)
	}
	meta.Indexes = kept
	if err := putMeta(c.tx.txn, meta); err != nil {
		return err
	}
	c.tx.counter.command(schema.OpDeleteIndex, c.name, name)
	return nil
}

// Put stores value under the key found at the collection's key path
func (c *kvCollection) Put(_ context.Context, value map[string]any) error {
	meta, err := loadMeta(c.tx.txn, c.name)
	if err != nil {
		return err
	}
	seqBefore := meta.Sequence
	key, err := resolveKey(meta.KeyPath, meta.AutoIncrement, value, &meta.Sequence)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := c.tx.txn.set(append(recordKeyPrefix(c.name), key...), data); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	if meta.Sequence != seqBefore {
		return putMeta(c.tx.txn, meta)
	}
	return nil
}

func (c *kvCollection) Count(_ context.Context) (int, error) {
	return countRecords(c.tx.txn, c.name)
}

func collectionKey(name string) []byte {
	return []byte(collectionPrefix + name)
}

func recordKeyPrefix(collection string) []byte {
	return []byte(recordPrefix + collection + "\x00")
}

func historyKey(version uint32, runID string) []byte {
	return []byte(fmt.Sprintf("%s%010d:%s", historyPrefix, version, runID))
}

func readVersion(txn kvTxn) (uint32, error) {
	data, err := txn.get([]byte(versionKey))
	if errors.Is(err, errNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("corrupt schema version record (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

func writeVersion(txn kvTxn, version uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, version)
	if err := txn.set([]byte(versionKey), buf); err != nil {
		return fmt.Errorf("failed to store schema version: %w", err)
	}
	return nil
}

func loadMeta(txn kvTxn, name string) (*collectionMeta, error) {
	data, err := txn.get(collectionKey(name))
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	var meta collectionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection: %w", err)
	}
	return &meta, nil
}

func putMeta(txn kvTxn, meta *collectionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}
	if err := txn.set(collectionKey(meta.Name), data); err != nil {
		return fmt.Errorf("failed to store collection: %w", err)
	}
	return nil
}

func countRecords(txn kvTxn, collection string) (int, error) {
	var n int
	err := txn.scan(recordKeyPrefix(collection), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
