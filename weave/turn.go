package weave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/log"
	"github.com/reglet-dev/filament-host/timeline"
)

// turnLimits is the ledger of one weave call.
type turnLimits struct {
	deadline      time.Time
	auth          *gateway.Authorizer
	resourceMax   uint64
	maxEventBytes uint64
	readOnly      bool
}

// turn implements ports.TurnContext for one call. Output events are staged
// until the scheduler commits or discards them.
type turn struct {
	ctx       context.Context
	wc        *Context
	info      *entities.WeaveInfo
	logger    *slog.Logger
	violation error
	staged    []entities.Event
	limits    turnLimits
	used      uint64
	rng       uint64
	mu        sync.Mutex
}

var _ ports.TurnContext = (*turn)(nil)

func newTurn(ctx context.Context, wc *Context, info *entities.WeaveInfo, limits turnLimits) *turn {
	if info == nil {
		info = &entities.WeaveInfo{}
	}
	if limits.auth == nil {
		limits.auth = gateway.NewAuthorizer(nil)
	}
	return &turn{
		ctx:    ctx,
		wc:     wc,
		info:   info,
		logger: log.ForTurn(wc.logger, *info),
		limits: limits,
		rng:    info.RandomSeed,
	}
}

// reset discards everything staged by an attempt.
func (t *turn) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
	t.used = 0
	t.violation = nil
	t.info.ResourceUsed = 0
	t.rng = t.info.RandomSeed
}

// checkpoint enforces the deadline. Crossing it is a turn violation.
func (t *turn) checkpoint(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpointLocked(op)
}

func (t *turn) checkpointLocked(op string) error {
	if t.violation != nil {
		return t.violation
	}
	if t.limits.deadline.IsZero() {
		return nil
	}
	if time.Now().After(t.limits.deadline) || t.ctx.Err() != nil {
		t.violation = ferrors.Wrap(ferrors.TimedOut, op, &ferrors.TimeoutError{
			Operation: "weave",
			Duration:  t.info.TimeLimit(),
			Target:    t.wc.id,
		})
		return t.violation
	}
	return nil
}

func (t *turn) ContextID() string { return t.wc.id }

func (t *turn) ContextHandle() entities.Address { return t.wc.handle }

func (t *turn) Memory() ports.Memory { return t.wc.arena }

func (t *turn) ReadTimeline(start, limit uint64, flags entities.ReadFlags) (ports.TimelineSlice, error) {
	if err := t.checkpoint("weave.read_timeline"); err != nil {
		return ports.TimelineSlice{}, err
	}
	if flags.Has(entities.ReadUnsafeZeroCopy) && !t.wc.caps.Has(entities.CapZeroCopy) {
		return ports.TimelineSlice{}, &ferrors.CapabilityError{Required: entities.CapNameZeroCopy}
	}
	// Oversized payloads fail the read unless truncation is asked for.
	return t.wc.timeline.Read(start, limit, timeline.ReadOptions{Flags: flags, MaxPayload: t.limits.maxEventBytes})
}

func (t *turn) BlobCreate(sizeHint uint64) (uint64, error) {
	if err := t.checkpoint("weave.blob_create"); err != nil {
		return 0, err
	}
	return t.wc.blobs.Create(sizeHint)
}

func (t *turn) BlobWrite(id, offset uint64, data []byte) error {
	if err := t.checkpoint("weave.blob_write"); err != nil {
		return err
	}
	return t.wc.blobs.Write(id, offset, data)
}

func (t *turn) BlobRead(id, offset, limit uint64) ([]byte, error) {
	if err := t.checkpoint("weave.blob_read"); err != nil {
		return nil, err
	}
	return t.wc.blobs.Read(id, offset, limit)
}

func (t *turn) BlobDelete(id uint64) error {
	if err := t.checkpoint("weave.blob_delete"); err != nil {
		return err
	}
	return t.wc.blobs.Delete(id)
}

func (t *turn) KVGet(key string) ([]byte, error) {
	if err := t.checkpoint("weave.kv_get"); err != nil {
		return nil, err
	}
	if err := t.limits.auth.KV(t.wc.caps, t.wc.grants, key, "read"); err != nil {
		return nil, err
	}
	return t.wc.kv.Get(t.ctx, t.wc.id, key)
}

func (t *turn) Log(level slog.Level, msg string, attrs ...slog.Attr) {
	t.logger.LogAttrs(t.ctx, level, msg, attrs...)
}

// Emit stages events after charging them against the ledger. Any failure is
// recorded as the turn's violation and aborts the commit.
func (t *turn) Emit(events ...entities.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limits.readOnly {
		return ferrors.New(ferrors.InvalidArgument, "weave.emit", "events can only be emitted during a weave")
	}
	if err := t.checkpointLocked("weave.emit"); err != nil {
		return err
	}

	used := t.used
	batch := make([]entities.Event, 0, len(events))
	for _, e := range events {
		e = e.Clone()
		e.Normalize()
		if err := e.Validate(); err != nil {
			t.violation = ferrors.Wrap(ferrors.InvalidArgument, "weave.emit", err)
			return t.violation
		}
		if t.limits.maxEventBytes > 0 && e.PayloadSize > t.limits.maxEventBytes {
			t.violation = ferrors.New(ferrors.DataTooLarge, "weave.emit",
				"event payload is %d bytes, limit %d", e.PayloadSize, t.limits.maxEventBytes)
			return t.violation
		}
		if t.limits.resourceMax > 0 && (used+e.ResourceCost < used || used+e.ResourceCost > t.limits.resourceMax) {
			t.violation = ferrors.Wrap(ferrors.DataTooLarge, "weave.emit", &ferrors.BudgetError{
				Cost:  e.ResourceCost,
				Used:  used,
				Limit: t.limits.resourceMax,
			})
			return t.violation
		}
		used += e.ResourceCost
		batch = append(batch, e)
	}

	t.used = used
	t.info.ResourceUsed = used
	t.staged = append(t.staged, batch...)
	return nil
}

// Rand advances a splitmix64 generator seeded from the weave record.
func (t *turn) Rand() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng += 0x9E3779B97F4A7C15
	z := t.rng
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// result returns what the attempt staged and its first violation.
func (t *turn) result() ([]entities.Event, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staged, t.used, t.violation
}
