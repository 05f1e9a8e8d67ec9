package timeline

import (
	"fmt"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/entities"
)

// State is the capturable content of a timeline.
type State struct {
	Events     []entities.Event `json:"events"`
	Base       uint64           `json:"base"`
	LastID     uint64           `json:"last_id"`
	LastTick   uint64           `json:"last_tick"`
	PruneEpoch uint64           `json:"prune_epoch"`
}

// Export captures the retained events and counters.
func (t *Timeline) Export() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := State{
		Events:     make([]entities.Event, len(t.events)),
		Base:       t.base,
		LastID:     t.lastID,
		LastTick:   t.lastTick,
		PruneEpoch: t.pruneEpoch,
	}
	for i, e := range t.events {
		st.Events[i] = e.Clone()
	}
	return st
}

// Validate checks that st upholds the ordering invariants.
func (st State) Validate() error {
	var prevID, prevTick uint64
	for i, e := range st.Events {
		if err := e.Validate(); err != nil {
			return ferrors.Wrap(ferrors.InvalidArgument, "timeline.validate", fmt.Errorf("event %d: %w", i, err))
		}
		if e.ID == 0 || (i > 0 && e.ID <= prevID) {
			return ferrors.New(ferrors.InvalidArgument, "timeline.validate", "event %d: id %d not increasing", i, e.ID)
		}
		if e.Tick < prevTick {
			return ferrors.New(ferrors.InvalidArgument, "timeline.validate", "event %d: tick %d goes backwards", i, e.Tick)
		}
		prevID, prevTick = e.ID, e.Tick
	}
	if prevID > st.LastID || prevTick > st.LastTick {
		return ferrors.New(ferrors.InvalidArgument, "timeline.validate", "counters behind retained events")
	}
	return nil
}

// Replace swaps in a validated state. The view version still advances so
// outstanding zero-copy reads are invalidated.
func (t *Timeline) Replace(st State) {
	events := make([]entities.Event, len(st.Events))
	for i, e := range st.Events {
		events[i] = e.Clone()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
	t.base = st.Base
	t.lastID = st.LastID
	t.lastTick = st.LastTick
	t.pruneEpoch = st.PruneEpoch
	t.version++
}

