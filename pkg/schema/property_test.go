package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_VersionMonotonicity checks that SetVersion accepts exactly the
// non-decreasing, in-range sequences.
func TestProperty_VersionMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("non-decreasing in-range sequences are accepted", prop.ForAll(
		func(steps []uint32) bool {
			s := newTestSchema()
			v := int64(1)
			for _, step := range steps {
				v += int64(step % 1000)
				if v > MaxVersion {
					v = MaxVersion
				}
				if s.SetVersion(v).Err() != nil {
					return false
				}
			}
			return int64(s.Version()) == v
		},
		gen.SliceOf(gen.UInt32()),
	))

	properties.Property("a lower version is rejected and leaves the active version", prop.ForAll(
		func(current, lower int64) bool {
			if lower >= current {
				lower = current - 1
			}
			s := newTestSchema().SetVersion(current)
			if s.Err() != nil {
				return false
			}
			err := s.SetVersion(lower).Err()
			return errors.Is(err, ErrInvalidVersion) && int64(s.Version()) == current
		},
		gen.Int64Range(2, MaxVersion),
		gen.Int64Range(-1000, MaxVersion),
	))

	properties.Property("out of range versions are rejected", prop.ForAll(
		func(v int64) bool {
			return errors.Is(newTestSchema().SetVersion(v).Err(), ErrInvalidVersion)
		},
		gen.OneGenOf(gen.Int64Range(-1<<40, 0), gen.Int64Range(MaxVersion+1, 1<<40)),
	))

	properties.TestingRun(t)
}

// TestProperty_UpgradeIdempotence checks that an upgrade observed at or above
// the highest declared version issues no commands, and that an upgrade from
// any prior version only touches later versions.
func TestProperty_UpgradeIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(count int) *Schema {
		s := newTestSchema()
		for i := 1; i <= count; i++ {
			s.SetVersion(int64(i)).AddCollection(fmt.Sprintf("c%d", i), CollectionOptions{})
		}
		return s
	}

	properties.Property("no commands at or above the target", prop.ForAll(
		func(count int, extra uint32) bool {
			s := build(count)
			upgrade, err := s.Compile()
			if err != nil {
				return false
			}
			rec := &Recorder{}
			old := uint64(s.Version()) + uint64(extra%10)
			if err := upgrade(context.Background(), rec.Event(old, s.Version())); err != nil {
				return false
			}
			return len(rec.Commands) == 0
		},
		gen.IntRange(1, 20),
		gen.UInt32(),
	))

	properties.Property("only versions above the prior version run", prop.ForAll(
		func(count, prior int) bool {
			if prior > count {
				prior = count
			}
			s := build(count)
			upgrade, err := s.Compile()
			if err != nil {
				return false
			}
			rec := &Recorder{}
			if err := upgrade(context.Background(), rec.Event(uint64(prior), s.Version())); err != nil {
				return false
			}
			if len(rec.Commands) != count-prior {
				return false
			}
			for i, c := range rec.Commands {
				if c.Version != uint32(prior+i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
