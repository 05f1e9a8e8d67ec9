package plugin

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

const readBatch = 64

// instance walks the timeline from its cursor. The cursor is the absolute
// index of the next unseen event. It moves only once the scheduler reports
// the turn committed, and it is the state carried across snapshots, so a
// restore rewinds it with the timeline.
type instance struct {
	def     *PluginDefinition
	host    entities.HostInfo
	config  entities.Config
	cursor  uint64
	pending uint64
	staged  bool
}

var (
	_ ports.StatefulInstance = (*instance)(nil)
	_ ports.CommitObserver   = (*instance)(nil)
)

func (i *instance) Prepare(context.Context) error { return nil }

func (i *instance) Weave(ctx context.Context, tc ports.TurnContext, _ *entities.WeaveInfo) ports.TurnResult {
	i.staged = false
	next := i.cursor
	var out []entities.Event
	for {
		s, err := tc.ReadTimeline(next, readBatch, entities.ReadTruncate)
		if err != nil {
			return failure(err)
		}
		start := max(next, s.FirstIndex)
		if len(s.Events) == 0 {
			next = start
			break
		}
		for k, e := range s.Events {
			h, ok := i.def.GetHandler(e.Kind())
			if !ok {
				continue
			}
			events, err := h(ctx, &Request{
				Turn:   tc,
				Event:  e,
				Index:  start + uint64(k),
				Config: i.config,
				Host:   i.host,
			})
			if err != nil {
				return failure(err)
			}
			out = append(out, events...)
		}
		next = start + uint64(len(s.Events))
	}

	if len(out) > 0 {
		if err := tc.Emit(out...); err != nil {
			return failure(err)
		}
	}
	i.pending, i.staged = next, true
	return ports.TurnResult{Status: entities.ResultDone}
}

// TurnCommitted implements ports.CommitObserver.
func (i *instance) TurnCommitted(committed bool) {
	if committed && i.staged {
		i.cursor = i.pending
	}
	i.staged = false
}

func (i *instance) Destroy(context.Context) error { return nil }

func (i *instance) SnapshotState(context.Context, ports.TurnContext) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, i.cursor), nil
}

func (i *instance) RestoreState(_ context.Context, _ ports.TurnContext, state []byte) error {
	switch len(state) {
	case 0:
		i.cursor = 0
	case 8:
		i.cursor = binary.BigEndian.Uint64(state)
	default:
		return ferrors.New(ferrors.InvalidArgument, "plugin.restore", "state is %d bytes, want 8", len(state))
	}
	i.staged = false
	return nil
}

// failure reports err in the {"code","message"} error buffer form.
func failure(err error) ports.TurnResult {
	text, _ := json.Marshal(entities.SystemError{
		Code:    int32(ferrors.CodeOf(err)),
		Message: err.Error(),
		Detail:  ferrors.ToErrorDetail(err),
	})
	return ports.TurnResult{Status: entities.ResultError, ErrorText: text}
}
