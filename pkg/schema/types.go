package schema

import "context"

// Collection describes a live collection and its indexes
type Collection struct {
	Name          string  `json:"name"`
	KeyPath       KeyPath `json:"keyPath"`
	AutoIncrement bool    `json:"autoIncrement"`
	Indexes       []Index `json:"indexes"`
}

// Index describes a secondary index of a collection
type Index struct {
	Name       string  `json:"name"`
	Field      KeyPath `json:"field"`
	MultiEntry bool    `json:"multiEntry"`
	Unique     bool    `json:"unique"`
}

// CollectionOptions configures AddCollection. Key and Increment are short
// aliases for KeyPath and AutoIncrement; when both forms are set the short
// key path wins and the increment flags are or'ed.
type CollectionOptions struct {
	Key           KeyPath
	KeyPath       KeyPath
	Increment     bool
	AutoIncrement bool
}

// IndexOptions configures AddIndex. Multi is an alias for MultiEntry.
type IndexOptions struct {
	Multi      bool
	MultiEntry bool
	Unique     bool
}

// Callback runs after the structural operations of its version were applied
type Callback func(ctx context.Context, ev *UpgradeEvent) error

// collection is the live, mutable descriptor owned by a Schema
type collection struct {
	name          string
	keyPath       KeyPath
	autoIncrement bool
	indexes       map[string]index
	indexOrder    []string
}

// index is stored by value; collection names the owner for the compiler
type index struct {
	name       string
	field      KeyPath
	collection string
	multiEntry bool
	unique     bool
}

// collectionSpec is what a change-set needs to create or drop a collection
type collectionSpec struct {
	name          string
	keyPath       KeyPath
	autoIncrement bool
}

// changeSet holds the operations recorded while one version was active
type changeSet struct {
	version           uint32
	createCollections []collectionSpec
	dropCollections   []collectionSpec
	createIndexes     []index
	dropIndexes       []index
	callbacks         []Callback
}

func newCollection(name string, keyPath KeyPath, autoIncrement bool) *collection {
	return &collection{
		name:          name,
		keyPath:       keyPath,
		autoIncrement: autoIncrement,
		indexes:       make(map[string]index),
	}
}

func (c *collection) spec() collectionSpec {
	return collectionSpec{name: c.name, keyPath: c.keyPath.clone(), autoIncrement: c.autoIncrement}
}

func (c *collection) addIndex(idx index) {
	c.indexes[idx.name] = idx
	c.indexOrder = append(c.indexOrder, idx.name)
}

func (c *collection) removeIndex(name string) {
	delete(c.indexes, name)
	c.indexOrder = removeName(c.indexOrder, name)
}

// describe flattens the descriptor into an alias-free public value
func (c *collection) describe() Collection {
	out := Collection{
		Name:          c.name,
		KeyPath:       c.keyPath.clone(),
		AutoIncrement: c.autoIncrement,
		Indexes:       make([]Index, 0, len(c.indexOrder)),
	}
	for _, name := range c.indexOrder {
		idx := c.indexes[name]
		out.Indexes = append(out.Indexes, Index{
			Name:       idx.name,
			Field:      idx.field.clone(),
			MultiEntry: idx.multiEntry,
			Unique:     idx.unique,
		})
	}
	return out
}

func (c *collection) clone() *collection {
	out := newCollection(c.name, c.keyPath.clone(), c.autoIncrement)
	for _, name := range c.indexOrder {
		out.addIndex(c.indexes[name].clone())
	}
	return out
}

func (i index) clone() index {
	i.field = i.field.clone()
	return i
}

func (cs *changeSet) empty() bool {
	return len(cs.createCollections) == 0 &&
		len(cs.dropCollections) == 0 &&
		len(cs.createIndexes) == 0 &&
		len(cs.dropIndexes) == 0 &&
		len(cs.callbacks) == 0
}

func (cs *changeSet) clone() *changeSet {
	out := &changeSet{
		version:   cs.version,
		callbacks: append([]Callback(nil), cs.callbacks...),
	}
	for _, c := range cs.createCollections {
		out.createCollections = append(out.createCollections, collectionSpec{c.name, c.keyPath.clone(), c.autoIncrement})
	}
	for _, c := range cs.dropCollections {
		out.dropCollections = append(out.dropCollections, collectionSpec{c.name, c.keyPath.clone(), c.autoIncrement})
	}
	for _, idx := range cs.createIndexes {
		out.createIndexes = append(out.createIndexes, idx.clone())
	}
	for _, idx := range cs.dropIndexes {
		out.dropIndexes = append(out.dropIndexes, idx.clone())
	}
	return out
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i:i], names[i+1:]...)
		}
	}
	return names
}
