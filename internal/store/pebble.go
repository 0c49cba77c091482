package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

var errReadOnly = errors.New("write in read-only transaction")

// OpenPebble opens a Pebble-backed engine under DataDir/<database>.pebble
func OpenPebble(opts Options) (*KVEngine, error) {
	opts = opts.withDefaults()

	dbPath := filepath.Join(opts.DataDir, opts.Database+".pebble")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	cache := pebble.NewCache(16 << 20) // 16 MB block cache
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	opts.Logger.WithField("path", dbPath).Info("Pebble schema store initialized")
	return newKVEngine("pebble", &pebbleBackend{db: db}, opts), nil
}

type pebbleBackend struct {
	db *pebble.DB
	// serializes upgrades; a pebble batch has no conflict detection
	writeMu sync.Mutex
}

func (b *pebbleBackend) view(fn func(kvTxn) error) error {
	snap := b.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTxn{r: snap})
}

// update runs fn against an indexed batch so reads observe the batch's own
// writes. The batch is committed only when fn succeeds.
func (b *pebbleBackend) update(fn func(kvTxn) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTxn{r: batch, w: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit pebble batch: %w", err)
	}
	return nil
}

func (b *pebbleBackend) close() error {
	return b.db.Close()
}

type pebbleTxn struct {
	r pebble.Reader
	w pebble.Writer
}

func (t *pebbleTxn) get(key []byte) ([]byte, error) {
	val, closer, err := t.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

func (t *pebbleTxn) set(key, value []byte) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Set(key, value, nil)
}

func (t *pebbleTxn) delete(key []byte) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Delete(key, nil)
}

func (t *pebbleTxn) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := t.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return err
	}
	return iter.Close()
}

// prefixEnd returns the exclusive upper bound for a prefix scan in Pebble.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf).
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
