package timeline_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/timeline"
)

// step is a batch size, or a prune when negative.
func TestTimeline_OrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ids strictly increase and ticks never decrease", prop.ForAll(
		func(steps []int) bool {
			tl := timeline.New()
			for _, s := range steps {
				if s < 0 {
					n := tl.Len()
					if err := tl.Prune(n - min(n, uint64(-s))); err != nil {
						return false
					}
					continue
				}
				batch := make([]entities.Event, s)
				for i := range batch {
					batch[i] = entities.Event{TypeURI: "example.user.tick"}
				}
				if _, err := tl.Append(batch, timeline.Stamp{}); err != nil {
					return false
				}
			}

			slice, err := tl.Read(0, tl.Len(), timeline.ReadOptions{})
			if err != nil {
				return false
			}
			if slice.FirstIndex+uint64(len(slice.Events)) != tl.Len() {
				return false
			}
			for i := 1; i < len(slice.Events); i++ {
				if slice.Events[i].ID <= slice.Events[i-1].ID {
					return false
				}
				if slice.Events[i].Tick < slice.Events[i-1].Tick {
					return false
				}
			}
			return tl.Export().Validate() == nil
		},
		gen.SliceOf(gen.IntRange(-5, 8)),
	))

	properties.TestingRun(t)
}
