package schema

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// MaxVersion is the largest schema version a storage engine accepts
const MaxVersion = math.MaxUint32

// Schema is the fluent, versioned description of collections and indexes.
//
// Every mutating method returns the same Schema so calls can be chained. The
// first rejected call is kept as the schema's error: later calls become no-ops
// and Compile refuses to run. A rejected call never changes state.
//
// A Schema is not safe for concurrent use.
type Schema struct {
	logger *logrus.Logger
	state  *state
	err    error
}

// state is everything Fork has to copy
type state struct {
	version     uint32
	current     string // key into collections, "" when nothing is selected
	collections map[string]*collection
	order       []string
	versions    map[uint32]*changeSet
}

// Option configures a Schema
type Option func(*Schema)

// WithLogger sets the logger used by the schema and its compiled upgrades
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Schema) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty schema positioned at version 1
func New(opts ...Option) *Schema {
	s := &Schema{
		logger: logrus.StandardLogger(),
		state: &state{
			collections: make(map[string]*collection),
			versions:    make(map[uint32]*changeSet),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.openVersion(1)
	return s
}

// Err returns the first error recorded by a chained call.
//
// The error is sticky: every later call is a no-op until ClearErr is called,
// and Fork copies it. A rejected call leaves the schema as it was before it.
func (s *Schema) Err() error {
	return s.err
}

// ClearErr returns the recorded error and resets it so the chain can go on
// from the state the last accepted call left behind.
func (s *Schema) ClearErr() error {
	err := s.err
	s.err = nil
	return err
}

// Version returns the active version
func (s *Schema) Version() uint32 {
	return s.state.version
}

// SetVersion makes v the active version. v must be within [1, MaxVersion]
// and not below the active version. Re-declaring the active version starts
// its change-set over; collections and indexes built so far stay live.
func (s *Schema) SetVersion(v int64) *Schema {
	if s.err != nil {
		return s
	}
	if v < 1 || v > MaxVersion {
		return s.fail(fmt.Errorf("%w: %d is out of range [1, %d]", ErrInvalidVersion, v, uint32(MaxVersion)))
	}
	if uint32(v) < s.state.version {
		return s.fail(fmt.Errorf("%w: %d is below current version %d", ErrInvalidVersion, v, s.state.version))
	}
	s.state.openVersion(uint32(v))
	s.logger.WithField("version", v).Debug("Schema version opened")
	return s
}

// AddCollection declares a collection and selects it
func (s *Schema) AddCollection(name string, opts CollectionOptions) *Schema {
	if s.err != nil {
		return s
	}
	if name == "" {
		return s.fail(fmt.Errorf("%w: collection name is required", ErrInvalidOptions))
	}
	if _, ok := s.state.collections[name]; ok {
		return s.fail(fmt.Errorf("%w: %q", ErrDuplicateCollection, name))
	}

	keyPath := opts.Key
	if keyPath.IsZero() {
		keyPath = opts.KeyPath
	}
	if !keyPath.IsZero() && !keyPath.valid() {
		return s.fail(fmt.Errorf("%w: collection %q has an empty key path element", ErrInvalidOptions, name))
	}
	autoIncrement := opts.Increment || opts.AutoIncrement
	if autoIncrement && keyPath.IsZero() {
		return s.fail(fmt.Errorf("%w: set keyPath in order to use autoIncrement", ErrInvalidOptions))
	}

	c := newCollection(name, keyPath.clone(), autoIncrement)
	s.state.collections[name] = c
	s.state.order = append(s.state.order, name)
	cs := s.state.active()
	cs.createCollections = append(cs.createCollections, c.spec())
	s.state.current = name

	s.logger.WithFields(logrus.Fields{
		"version":    s.state.version,
		"collection": name,
	}).Debug("Collection added to schema")
	return s
}

// DropCollection removes a live collection and clears the selection
func (s *Schema) DropCollection(name string) *Schema {
	if s.err != nil {
		return s
	}
	c, err := s.state.lookup(name)
	if err != nil {
		return s.fail(err)
	}

	delete(s.state.collections, name)
	s.state.order = removeName(s.state.order, name)
	cs := s.state.active()
	cs.dropCollections = append(cs.dropCollections, c.spec())
	s.state.current = ""

	s.logger.WithFields(logrus.Fields{
		"version":    s.state.version,
		"collection": name,
	}).Debug("Collection dropped from schema")
	return s
}

// SelectCollection makes a live collection the target of index calls
func (s *Schema) SelectCollection(name string) *Schema {
	if s.err != nil {
		return s
	}
	if _, err := s.state.lookup(name); err != nil {
		return s.fail(err)
	}
	s.state.current = name
	return s
}

// AddIndex declares an index on the selected collection
func (s *Schema) AddIndex(name string, field KeyPath, opts IndexOptions) *Schema {
	if s.err != nil {
		return s
	}
	if name == "" {
		return s.fail(fmt.Errorf("%w: index name is required", ErrInvalidOptions))
	}
	if !field.valid() {
		return s.fail(fmt.Errorf("%w: index %q requires a field", ErrInvalidOptions, name))
	}
	c, err := s.state.selected()
	if err != nil {
		return s.fail(err)
	}
	if _, ok := c.indexes[name]; ok {
		return s.fail(fmt.Errorf("%w: %q on collection %q", ErrDuplicateIndex, name, c.name))
	}

	idx := index{
		name:       name,
		field:      field.clone(),
		collection: c.name,
		multiEntry: opts.Multi || opts.MultiEntry,
		unique:     opts.Unique,
	}
	c.addIndex(idx)
	cs := s.state.active()
	cs.createIndexes = append(cs.createIndexes, idx.clone())

	s.logger.WithFields(logrus.Fields{
		"version":    s.state.version,
		"collection": c.name,
		"index":      name,
	}).Debug("Index added to schema")
	return s
}

// DropIndex removes an index from the selected collection
func (s *Schema) DropIndex(name string) *Schema {
	if s.err != nil {
		return s
	}
	if name == "" {
		return s.fail(fmt.Errorf("%w: index name is required", ErrInvalidOptions))
	}
	c, err := s.state.selected()
	if err != nil {
		return s.fail(err)
	}
	idx, ok := c.indexes[name]
	if !ok {
		return s.fail(fmt.Errorf("%w: %q on collection %q", ErrUnknownIndex, name, c.name))
	}

	c.removeIndex(name)
	cs := s.state.active()
	cs.dropIndexes = append(cs.dropIndexes, idx.clone())

	s.logger.WithFields(logrus.Fields{
		"version":    s.state.version,
		"collection": c.name,
		"index":      name,
	}).Debug("Index dropped from schema")
	return s
}

// AddCallback registers fn to run once the active version's structural
// operations were applied during an upgrade.
func (s *Schema) AddCallback(fn Callback) *Schema {
	if s.err != nil {
		return s
	}
	if fn == nil {
		return s.fail(fmt.Errorf("%w: callback is nil", ErrInvalidOptions))
	}
	cs := s.state.active()
	cs.callbacks = append(cs.callbacks, fn)
	return s
}

// Collections returns a copy of the live collections in declaration order
func (s *Schema) Collections() []Collection {
	out := make([]Collection, 0, len(s.state.order))
	for _, name := range s.state.order {
		out = append(out, s.state.collections[name].describe())
	}
	return out
}

// Current returns a copy of the selected collection
func (s *Schema) Current() (Collection, bool) {
	c, err := s.state.selected()
	if err != nil {
		return Collection{}, false
	}
	return c.describe(), true
}

// Fork returns an independent schema with the same live state and change-sets
func (s *Schema) Fork() *Schema {
	return &Schema{
		logger: s.logger,
		state:  s.state.clone(),
		err:    s.err,
	}
}

func (s *Schema) fail(err error) *Schema {
	s.err = err
	s.logger.WithError(err).Debug("Schema call rejected")
	return s
}

func (st *state) openVersion(v uint32) {
	st.version = v
	st.current = ""
	st.versions[v] = &changeSet{version: v}
}

func (st *state) active() *changeSet {
	return st.versions[st.version]
}

func (st *state) lookup(name string) (*collection, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidOptions)
	}
	c, ok := st.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

func (st *state) selected() (*collection, error) {
	if st.current == "" {
		return nil, ErrNoCollectionSelected
	}
	c, ok := st.collections[st.current]
	if !ok {
		return nil, ErrNoCollectionSelected
	}
	return c, nil
}

func (st *state) clone() *state {
	out := &state{
		version:     st.version,
		current:     st.current,
		collections: make(map[string]*collection, len(st.collections)),
		order:       append([]string(nil), st.order...),
		versions:    make(map[uint32]*changeSet, len(st.versions)),
	}
	for name, c := range st.collections {
		out.collections[name] = c.clone()
	}
	for v, cs := range st.versions {
		out.versions[v] = cs.clone()
	}
	return out
}
