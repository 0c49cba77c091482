package schema

import "context"

// Op names a structural command issued by an upgrade
type Op string

const (
	OpCreateCollection Op = "create_collection"
	OpDeleteCollection Op = "delete_collection"
	OpCreateIndex      Op = "create_index"
	OpDeleteIndex      Op = "delete_index"
)

// Command is one structural command captured by a Recorder
type Command struct {
	Version       uint32  `json:"version"`
	Op            Op      `json:"op"`
	Collection    string  `json:"collection"`
	Index         string  `json:"index,omitempty"`
	KeyPath       KeyPath `json:"keyPath"`
	Field         KeyPath `json:"field"`
	AutoIncrement bool    `json:"autoIncrement,omitempty"`
	Unique        bool    `json:"unique,omitempty"`
	MultiEntry    bool    `json:"multiEntry,omitempty"`
}

// Recorder is a dry-run engine. It accepts every command and keeps it in
// order, which makes it usable both for upgrade plans and in tests.
type Recorder struct {
	Commands []Command

	version uint32
}

// Event returns an upgrade event that routes every command to r
func (r *Recorder) Event(oldVersion uint64, newVersion uint32) *UpgradeEvent {
	return &UpgradeEvent{
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Database:   r,
		Tx:         r,
	}
}

// Versions returns the distinct versions that issued commands, ascending
func (r *Recorder) Versions() []uint32 {
	var out []uint32
	for _, c := range r.Commands {
		if len(out) == 0 || out[len(out)-1] != c.Version {
			out = append(out, c.Version)
		}
	}
	return out
}

func (r *Recorder) BeginVersion(_ context.Context, version uint32) {
	r.version = version
}

func (r *Recorder) CreateCollection(_ context.Context, name string, params CreateCollectionParams) error {
	r.Commands = append(r.Commands, Command{
		Version:       r.version,
		Op:            OpCreateCollection,
		Collection:    name,
		KeyPath:       params.KeyPath.clone(),
		AutoIncrement: params.AutoIncrement,
	})
	return nil
}

func (r *Recorder) DeleteCollection(_ context.Context, name string) error {
	r.Commands = append(r.Commands, Command{Version: r.version, Op: OpDeleteCollection, Collection: name})
	return nil
}

func (r *Recorder) Collection(_ context.Context, name string) (CollectionHandle, error) {
	return recordedCollection{r: r, name: name}, nil
}

type recordedCollection struct {
	r    *Recorder
	name string
}

func (c recordedCollection) CreateIndex(_ context.Context, name string, field KeyPath, params IndexParams) error {
	c.r.Commands = append(c.r.Commands, Command{
		Version:    c.r.version,
		Op:         OpCreateIndex,
		Collection: c.name,
		Index:      name,
		Field:      field.clone(),
		Unique:     params.Unique,
		MultiEntry: params.MultiEntry,
	})
	return nil
}

func (c recordedCollection) DeleteIndex(_ context.Context, name string) error {
	c.r.Commands = append(c.r.Commands, Command{Version: c.r.version, Op: OpDeleteIndex, Collection: c.name, Index: name})
	return nil
}
