package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// CreateCollectionParams is passed to Database.CreateCollection. A zero
// KeyPath means no key path was declared and must not be forwarded.
type CreateCollectionParams struct {
	KeyPath       KeyPath
	AutoIncrement bool
}

// IndexParams is passed to CollectionHandle.CreateIndex
type IndexParams struct {
	Unique     bool
	MultiEntry bool
}

// Database is the storage engine side of an upgrade
type Database interface {
	CreateCollection(ctx context.Context, name string, params CreateCollectionParams) error
	DeleteCollection(ctx context.Context, name string) error
}

// Transaction is the upgrade transaction supplied by the storage engine
type Transaction interface {
	Collection(ctx context.Context, name string) (CollectionHandle, error)
}

// CollectionHandle resolves to a collection inside the upgrade transaction
type CollectionHandle interface {
	CreateIndex(ctx context.Context, name string, field KeyPath, params IndexParams) error
	DeleteIndex(ctx context.Context, name string) error
}

// VersionObserver may be implemented by a Database that wants to know which
// version the following commands belong to.
type VersionObserver interface {
	BeginVersion(ctx context.Context, version uint32)
}

// UpgradeEvent is what the storage engine hands to an upgrade and what
// callbacks receive.
type UpgradeEvent struct {
	// OldVersion is the version the engine had stored, as reported
	OldVersion uint64
	NewVersion uint32
	Database   Database
	Tx         Transaction
}

// UpgradeFunc brings storage from ev.OldVersion to the compiled schema
type UpgradeFunc func(ctx context.Context, ev *UpgradeEvent) error

// Compile snapshots the change-sets and returns the upgrade procedure.
//
// The procedure applies, in ascending version order, every change-set whose
// version is above the observed prior version. All operations of one version
// finish before the next version starts. Engine errors are returned as they
// are; nothing is retried or compensated.
func (s *Schema) Compile() (UpgradeFunc, error) {
	if s.err != nil {
		return nil, fmt.Errorf("compile schema: %w", s.err)
	}

	plan := make([]*changeSet, 0, len(s.state.versions))
	for _, cs := range s.state.versions {
		if cs.empty() {
			continue
		}
		plan = append(plan, cs.clone())
	}
	sort.Slice(plan, func(i, j int) bool {
		return plan[i].version < plan[j].version
	})

	logger := s.logger
	return func(ctx context.Context, ev *UpgradeEvent) error {
		oldVersion := ev.OldVersion
		// some hosts report an out-of-range sentinel instead of 0 for new storage
		if oldVersion > MaxVersion {
			oldVersion = 0
		}

		for _, cs := range plan {
			if uint64(cs.version) <= oldVersion {
				continue
			}
			logger.WithFields(logrus.Fields{
				"version":     cs.version,
				"old_version": oldVersion,
			}).Info("Applying schema version")

			if err := cs.apply(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (cs *changeSet) apply(ctx context.Context, ev *UpgradeEvent) error {
	if o, ok := ev.Database.(VersionObserver); ok {
		o.BeginVersion(ctx, cs.version)
	}

	for _, c := range cs.createCollections {
		params := CreateCollectionParams{AutoIncrement: c.autoIncrement}
		if !c.keyPath.IsZero() {
			params.KeyPath = c.keyPath
		}
		if err := ev.Database.CreateCollection(ctx, c.name, params); err != nil {
			return err
		}
	}

	for _, c := range cs.dropCollections {
		if err := ev.Database.DeleteCollection(ctx, c.name); err != nil {
			return err
		}
	}

	for _, idx := range cs.createIndexes {
		h, err := ev.Tx.Collection(ctx, idx.collection)
		if err != nil {
			return err
		}
		params := IndexParams{Unique: idx.unique, MultiEntry: idx.multiEntry}
		if err := h.CreateIndex(ctx, idx.name, idx.field, params); err != nil {
			return err
		}
	}

	for _, idx := range cs.dropIndexes {
		h, err := ev.Tx.Collection(ctx, idx.collection)
		if err != nil {
			return err
		}
		if err := h.DeleteIndex(ctx, idx.name); err != nil {
			return err
		}
	}

	for _, cb := range cs.callbacks {
		if err := cb(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
