// Package timeline implements the append-only event log of a context.
//
// Indexes are absolute: the first event ever appended has index 0 and keeps
// it after a prune. Reads below the retained prefix start at FirstIndex.
package timeline

import (
	"encoding/json"
	"fmt"
	"sync"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/internal/abi"
)

// Timeline is safe for concurrent use. Writers are serialized by the
// scheduler's context guard; readers may run at any time.
type Timeline struct {
	events     []entities.Event
	base       uint64
	lastID     uint64
	lastTick   uint64
	pruneEpoch uint64
	version    uint64
	mu         sync.RWMutex
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{version: 1}
}

// ReadOptions tune a Read.
type ReadOptions struct {
	Flags entities.ReadFlags
	// MaxPayload caps returned payloads when non-zero.
	MaxPayload uint64
}

// Stamp carries the host-assigned metadata of a committed batch.
type Stamp struct {
	Trace entities.TraceContext
	// Now fills events without a timestamp.
	Now uint64
	// Tick overrides the batch tick when non-zero. It may not go backwards.
	Tick uint64
}

// Len returns the absolute length: pruned entries included.
func (t *Timeline) Len() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.base + uint64(len(t.events))
}

// FirstIndex returns the absolute index of the oldest retained event.
func (t *Timeline) FirstIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.base
}

// LastID returns the id of the newest event, or 0 when none was committed.
func (t *Timeline) LastID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastID
}

// LastTick returns the tick of the newest committed batch.
func (t *Timeline) LastTick() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTick
}

// PruneEpoch counts prunes applied since creation.
func (t *Timeline) PruneEpoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pruneEpoch
}

// Valid reports whether a zero-copy view is still current.
func (t *Timeline) Valid(view uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return view != 0 && view == t.version
}

// Read returns up to limit events starting at max(start, FirstIndex).
// BytesWritten counts the payload bytes returned.
func (t *Timeline) Read(start, limit uint64, opts ReadOptions) (ports.TimelineSlice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := ports.TimelineSlice{FirstIndex: t.base}
	from := max(start, t.base) - t.base
	if from >= uint64(len(t.events)) || limit == 0 {
		return out, nil
	}
	src := t.events[from : from+min(limit, uint64(len(t.events))-from)]

	zeroCopy := opts.Flags.Has(entities.ReadUnsafeZeroCopy)
	out.Events = make([]entities.Event, 0, len(src))
	for _, e := range src {
		payload := e.Payload
		e.Payload = nil
		if !zeroCopy {
			e.Extensions = e.Extensions.Clone()
		}
		switch {
		case opts.Flags.Has(entities.ReadIgnorePayloads):
			payload = nil
		case opts.MaxPayload > 0 && uint64(len(payload)) > opts.MaxPayload:
			if !opts.Flags.Has(entities.ReadTruncate) {
				return ports.TimelineSlice{}, ferrors.New(ferrors.DataTooLarge, "timeline.read",
					"event %d payload is %d bytes, limit %d", e.ID, len(payload), opts.MaxPayload)
			}
			payload = payload[:opts.MaxPayload:opts.MaxPayload]
			e.PayloadSize = opts.MaxPayload
			e.Flags |= entities.EventFlagTruncated
		}
		// Only the bytes handed out are copied.
		if !zeroCopy && payload != nil {
			payload = append([]byte(nil), payload...)
		}
		e.Payload = payload
		out.BytesWritten += uint64(len(e.Payload))
		out.Events = append(out.Events, e)
	}
	if zeroCopy {
		out.View = t.version
	}
	return out, nil
}

// ReadInto encodes a read into mem as one contiguous event array and
// returns its address. BytesWritten counts every byte placed in mem.
func (t *Timeline) ReadInto(mem ports.Memory, start, limit uint64, opts ReadOptions) (entities.Address, ports.TimelineSlice, error) {
	opts.Flags &^= entities.ReadUnsafeZeroCopy
	slice, err := t.Read(start, limit, opts)
	if err != nil {
		return entities.NullAddress, ports.TimelineSlice{}, err
	}
	var before uint64
	if u, ok := mem.(interface{ Used() uint64 }); ok {
		before = u.Used()
	}
	addr, n, err := abi.NewWriter(mem).Events(slice.Events)
	if err != nil {
		return entities.NullAddress, ports.TimelineSlice{}, err
	}
	slice.BytesWritten = n
	if u, ok := mem.(interface{ Used() uint64 }); ok {
		slice.BytesWritten = u.Used() - before
	}
	return addr, slice, nil
}

// Append validates the whole batch, then commits it atomically. Ids are
// assigned from LastID+1 and the batch shares a single tick. Committed
// context.prune events are applied after the append. The committed events
// are returned.
func (t *Timeline) Append(events []entities.Event, stamp Stamp) ([]entities.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tick := t.lastTick + 1
	if stamp.Tick != 0 {
		if stamp.Tick < t.lastTick {
			return nil, ferrors.New(ferrors.InvalidArgument, "timeline.append",
				"tick %d precedes last tick %d", stamp.Tick, t.lastTick)
		}
		tick = stamp.Tick
	}

	batch := make([]entities.Event, len(events))
	var prunes []uint64
	newLen := t.base + uint64(len(t.events)) + uint64(len(events))
	for i, e := range events {
		e = e.Clone()
		e.Normalize()
		if err := e.Validate(); err != nil {
			return nil, ferrors.Wrap(ferrors.InvalidArgument, "timeline.append", fmt.Errorf("event %d: %w", i, err))
		}
		e.ID = t.lastID + uint64(i) + 1
		e.Tick = tick
		if e.Timestamp == 0 {
			e.Timestamp = stamp.Now
		}
		if e.Trace.IsZero() {
			e.Trace = stamp.Trace
		}
		if e.Is(entities.URIContextPrune) {
			before, err := decodePrune(e)
			if err != nil {
				return nil, ferrors.Wrap(ferrors.InvalidArgument, "timeline.append", fmt.Errorf("event %d: %w", i, err))
			}
			if before > newLen {
				return nil, ferrors.New(ferrors.InvalidArgument, "timeline.append",
					"prune before %d beyond length %d", before, newLen)
			}
			prunes = append(prunes, before)
		}
		batch[i] = e
	}

	t.events = append(t.events, batch...)
	t.lastID = batch[len(batch)-1].ID
	t.lastTick = tick
	t.version++
	for _, before := range prunes {
		t.prune(before)
	}

	out := make([]entities.Event, len(batch))
	for i, e := range batch {
		out[i] = e.Clone()
	}
	return out, nil
}

func decodePrune(e entities.Event) (uint64, error) {
	if e.PayloadFormat != entities.FormatJSON {
		return 0, fmt.Errorf("context.prune payload must be json, got format %d", e.PayloadFormat)
	}
	var p entities.ContextPrune
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return 0, fmt.Errorf("context.prune payload: %w", err)
	}
	return p.BeforeIdx, nil
}

// Prune removes every entry with an absolute index below beforeIdx.
// Retained events keep their ids. PruneEpoch advances only when entries
// are dropped.
func (t *Timeline) Prune(beforeIdx uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.base + uint64(len(t.events)); beforeIdx > n {
		return ferrors.New(ferrors.InvalidArgument, "timeline.prune", "index %d beyond length %d", beforeIdx, n)
	}
	t.prune(beforeIdx)
	return nil
}

func (t *Timeline) prune(beforeIdx uint64) {
	if beforeIdx <= t.base {
		return
	}
	drop := beforeIdx - t.base
	t.events = append([]entities.Event(nil), t.events[drop:]...)
	t.base = beforeIdx
	t.pruneEpoch++
	t.version++
}
