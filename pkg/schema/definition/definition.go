package definition

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/maxiofs/kvschema/pkg/schema"
	"gopkg.in/yaml.v3"
)

// File is a declarative schema: an ordered list of versions, each with the
// builder steps recorded while that version is active. JSON files decode too.
type File struct {
	Versions []Version `yaml:"versions"`
}

// Version groups the steps of one schema version
type Version struct {
	Version float64 `yaml:"version"`
	Steps   []Step  `yaml:"steps"`
}

// Step is a single builder call. Exactly one of the action fields is set.
type Step struct {
	AddCollection    *string `yaml:"add_collection"`
	DropCollection   *string `yaml:"drop_collection"`
	SelectCollection *string `yaml:"select_collection"`
	AddIndex         *string `yaml:"add_index"`
	DropIndex        *string `yaml:"drop_index"`

	Key           KeyPath `yaml:"key"`
	KeyPath       KeyPath `yaml:"key_path"`
	Increment     bool    `yaml:"increment"`
	AutoIncrement bool    `yaml:"auto_increment"`

	Field      KeyPath `yaml:"field"`
	Unique     bool    `yaml:"unique"`
	Multi      bool    `yaml:"multi"`
	MultiEntry bool    `yaml:"multi_entry"`
}

// KeyPath decodes a YAML scalar or sequence into a schema.KeyPath
type KeyPath struct {
	schema.KeyPath
}

func (k *KeyPath) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			k.KeyPath = schema.KeyPath{}
			return nil
		}
		var p string
		if err := node.Decode(&p); err != nil {
			return err
		}
		k.KeyPath = schema.Path(p)
	case yaml.SequenceNode:
		var paths []string
		if err := node.Decode(&paths); err != nil {
			return err
		}
		k.KeyPath = schema.Compound(paths...)
	default:
		return fmt.Errorf("line %d: key path must be a string or a list of strings", node.Line)
	}
	return nil
}

// Parse decodes a definition file
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode schema definition: %w", err)
	}
	return &f, nil
}

// Load decodes a definition and builds a schema from it
func Load(r io.Reader, opts ...schema.Option) (*schema.Schema, error) {
	f, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return f.Build(schema.New(opts...))
}

// LoadFile reads and builds the definition at path
func LoadFile(path string, opts ...schema.Option) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema definition: %w", err)
	}
	return Load(bytes.NewReader(data), opts...)
}

// Build replays the definition onto s. Version values must be integers in
// [1, schema.MaxVersion].
func (f *File) Build(s *schema.Schema) (*schema.Schema, error) {
	for _, v := range f.Versions {
		if v.Version != math.Trunc(v.Version) || v.Version < 1 || v.Version > schema.MaxVersion {
			return nil, fmt.Errorf("%w: %v", schema.ErrInvalidVersion, v.Version)
		}
		if err := s.SetVersion(int64(v.Version)).Err(); err != nil {
			return nil, err
		}
		for j, step := range v.Steps {
			if err := step.apply(s); err != nil {
				return nil, fmt.Errorf("version %d step %d: %w", int64(v.Version), j+1, err)
			}
		}
	}
	return s, nil
}

func (st Step) apply(s *schema.Schema) error {
	var actions int
	for _, a := range []*string{st.AddCollection, st.DropCollection, st.SelectCollection, st.AddIndex, st.DropIndex} {
		if a != nil {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("%w: a step needs exactly one action, got %d", schema.ErrInvalidOptions, actions)
	}

	switch {
	case st.AddCollection != nil:
		s.AddCollection(*st.AddCollection, schema.CollectionOptions{
			Key:           st.Key.KeyPath,
			KeyPath:       st.KeyPath.KeyPath,
			Increment:     st.Increment,
			AutoIncrement: st.AutoIncrement,
		})
	case st.DropCollection != nil:
		s.DropCollection(*st.DropCollection)
	case st.SelectCollection != nil:
		s.SelectCollection(*st.SelectCollection)
	case st.AddIndex != nil:
		s.AddIndex(*st.AddIndex, st.Field.KeyPath, schema.IndexOptions{
			Multi:      st.Multi,
			MultiEntry: st.MultiEntry,
			Unique:     st.Unique,
		})
	case st.DropIndex != nil:
		s.DropIndex(*st.DropIndex)
	}
	return s.Err()
}
