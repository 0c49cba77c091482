package definition

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxiofs/kvschema/pkg/schema"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const libraryYAML = `
versions:
  - version: 1
    steps:
      - add_collection: books
        key_path: isbn
      - add_index: byTitle
        field: title
        unique: true
      - add_index: byAuthor
        field: author
  - version: 2
    steps:
      - select_collection: books
      - add_index: byYear
        field: year
  - version: 3
    steps:
      - add_collection: magazines
      - add_index: byPublisher
        field: publisher
      - add_index: byRating
        field: [stars, position]
        multi: true
      - add_collection: users
        key: id
        increment: true
`

func quietOption() schema.Option {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return schema.WithLogger(logger)
}

func TestLoad_Library(t *testing.T) {
	s, err := Load(strings.NewReader(libraryYAML), quietOption())
	require.NoError(t, err)

	assert.Equal(t, uint32(3), s.Version())

	cols := s.Collections()
	require.Len(t, cols, 3)
	assert.Equal(t, "books", cols[0].Name)
	assert.True(t, cols[0].KeyPath.Equal(schema.Path("isbn")))
	assert.Len(t, cols[0].Indexes, 3)

	require.Len(t, cols[1].Indexes, 2)
	rating := cols[1].Indexes[1]
	assert.True(t, rating.Field.Equal(schema.Compound("stars", "position")))
	assert.True(t, rating.MultiEntry)

	assert.Equal(t, schema.Collection{
		Name:          "users",
		KeyPath:       schema.Path("id"),
		AutoIncrement: true,
		Indexes:       []schema.Index{},
	}, cols[2])

	upgrade, err := s.Compile()
	require.NoError(t, err)

	rec := &schema.Recorder{}
	require.NoError(t, upgrade(context.Background(), rec.Event(2, 3)))
	assert.Equal(t, []uint32{3}, rec.Versions())
	assert.Len(t, rec.Commands, 4)
}

func TestLoad_JSON(t *testing.T) {
	doc := `{"versions": [{"version": 1, "steps": [{"add_collection": "users", "key_path": "id", "auto_increment": true}]}]}`
	s, err := Load(strings.NewReader(doc), quietOption())
	require.NoError(t, err)

	cols := s.Collections()
	require.Len(t, cols, 1)
	assert.True(t, cols[0].AutoIncrement)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "fractional version",
			doc:     "versions:\n  - version: 2.5\n",
			wantErr: schema.ErrInvalidVersion,
		},
		{
			name:    "zero version",
			doc:     "versions:\n  - version: 0\n",
			wantErr: schema.ErrInvalidVersion,
		},
		{
			name:    "version too large",
			doc:     "versions:\n  - version: 4294967296\n",
			wantErr: schema.ErrInvalidVersion,
		},
		{
			name:    "backwards version",
			doc:     "versions:\n  - version: 3\n  - version: 2\n",
			wantErr: schema.ErrInvalidVersion,
		},
		{
			name:    "step without action",
			doc:     "versions:\n  - version: 1\n    steps:\n      - field: title\n",
			wantErr: schema.ErrInvalidOptions,
		},
		{
			name:    "step with two actions",
			doc:     "versions:\n  - version: 1\n    steps:\n      - add_collection: a\n        drop_collection: b\n",
			wantErr: schema.ErrInvalidOptions,
		},
		{
			name:    "index without selection",
			doc:     "versions:\n  - version: 1\n    steps:\n      - add_index: byTitle\n        field: title\n",
			wantErr: schema.ErrNoCollectionSelected,
		},
		{
			name:    "drop unknown collection",
			doc:     "versions:\n  - version: 1\n    steps:\n      - drop_collection: books\n",
			wantErr: schema.ErrUnknownCollection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc), quietOption())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("versions:\n  - version: 1\n    stepz: []\n"))
	assert.Error(t, err)
}

func TestParse_KeyPathMustBeScalarOrList(t *testing.T) {
	_, err := Parse(strings.NewReader("versions:\n  - version: 1\n    steps:\n      - add_collection: a\n        key_path: {x: 1}\n"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(libraryYAML), 0o644))

	s, err := LoadFile(path, quietOption())
	require.NoError(t, err)
	assert.Len(t, s.Collections(), 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
