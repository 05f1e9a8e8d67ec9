package weave

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/log"
	"github.com/reglet-dev/filament-host/metrics"
	"github.com/reglet-dev/filament-host/timeline"
)

// Host defaults applied when a weave record leaves a limit at zero.
const (
	DefaultTimeLimit     = 100 * time.Millisecond
	DefaultMaxEventBytes = 1 << 20
)

const tracerName = "github.com/reglet-dev/filament-host/weave"

// Status is the final state of a turn.
type Status string

const (
	StatusCommitted   Status = metrics.StatusCommitted
	StatusAborted     Status = metrics.StatusAborted
	StatusPanicked    Status = metrics.StatusPanicked
	StatusError       Status = metrics.StatusError
	StatusRejected    Status = metrics.StatusRejected
	StatusQuarantined Status = metrics.StatusQuarantined
)

// Outcome describes a finished weave call.
type Outcome struct {
	Status Status
	// Committed holds the events appended by the turn, with their ids.
	Committed    []entities.Event
	ResourceUsed uint64
	Yields       int
	Duration     time.Duration
}

// SystemClock reads the process clocks.
type SystemClock struct{}

var clockOrigin = time.Now()

func (SystemClock) Now() int64 { return time.Now().UnixNano() }

func (SystemClock) Monotonic() int64 { return int64(time.Since(clockOrigin)) }

type schedulerConfig struct {
	logger        *slog.Logger
	metrics       ports.Metrics
	gateway       *gateway.Gateway
	tracer        trace.Tracer
	clock         ports.Clock
	timeLimit     time.Duration
	maxEventBytes uint64
	hostVersion   uint32
}

func defaultSchedulerConfig() schedulerConfig {
	return schedulerConfig{
		logger:        slog.Default(),
		metrics:       ports.NopMetrics{},
		clock:         SystemClock{},
		timeLimit:     DefaultTimeLimit,
		maxEventBytes: DefaultMaxEventBytes,
		hostVersion:   entities.Version0_1_0,
	}
}

// Option configures a Scheduler.
type Option func(*schedulerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *schedulerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.Metrics) Option {
	return func(c *schedulerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithGateway sets the gateway that receives committed requests.
func WithGateway(g *gateway.Gateway) Option {
	return func(c *schedulerConfig) {
		c.gateway = g
	}
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *schedulerConfig) {
		c.tracer = t
	}
}

// WithClock sets the clock that fills the time fields of a record.
func WithClock(clk ports.Clock) Option {
	return func(c *schedulerConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithTimeLimit sets the limit used when a record has none.
func WithTimeLimit(d time.Duration) Option {
	return func(c *schedulerConfig) {
		if d > 0 {
			c.timeLimit = d
		}
	}
}

// WithMaxEventBytes sets the payload cap used when a record has none.
func WithMaxEventBytes(n uint64) Option {
	return func(c *schedulerConfig) {
		if n > 0 {
			c.maxEventBytes = n
		}
	}
}

// WithHostVersion overrides the packed ABI version the host implements.
func WithHostVersion(v uint32) Option {
	return func(c *schedulerConfig) {
		c.hostVersion = v
	}
}

// Scheduler runs turns. It holds no per-context state and is safe for
// concurrent use across contexts.
type Scheduler struct {
	validate *validator.Validate
	config   schedulerConfig
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := defaultSchedulerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.gateway == nil {
		cfg.gateway = gateway.New(gateway.WithLogger(cfg.logger), gateway.WithMetrics(cfg.metrics))
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}
	return &Scheduler{validate: validator.New(), config: cfg}
}

// Gateway returns the gateway fed by committed turns.
func (s *Scheduler) Gateway() *gateway.Gateway {
	return s.config.gateway
}

// Weave runs one turn of wc under the limits of info.
func (s *Scheduler) Weave(ctx context.Context, wc *Context, info entities.WeaveInfo) (Outcome, error) {
	start := time.Now()
	out, err := s.weave(ctx, wc, &info)
	out.Duration = time.Since(start)
	s.config.metrics.ObserveTurn(string(out.Status), out.Duration)
	return out, err
}

func (s *Scheduler) weave(ctx context.Context, wc *Context, info *entities.WeaveInfo) (Outcome, error) {
	if err := wc.Quarantined(); err != nil {
		return Outcome{Status: StatusQuarantined}, err
	}
	if err := s.checkABI(wc.PluginInfo()); err != nil {
		wc.setQuarantine(err)
		wc.logger.Error("plugin rejected", slog.Any("error", err))
		return Outcome{Status: StatusRejected}, err
	}
	maxDepth := wc.host.MaxRecursionDepth
	if maxDepth == 0 {
		maxDepth = entities.MinRecursion
	}
	if info.RecursionDepth >= maxDepth {
		return Outcome{Status: StatusRejected}, ferrors.New(ferrors.InvalidArgument, "weave",
			"recursion depth %d reaches limit %d", info.RecursionDepth, maxDepth)
	}
	if err := s.validate.Struct(info); err != nil {
		return Outcome{Status: StatusRejected}, ferrors.Wrap(ferrors.InvalidArgument, "weave",
			&ferrors.SchemaError{Type: "WeaveInfo", Err: err})
	}

	if err := wc.acquire("weave"); err != nil {
		return Outcome{Status: StatusRejected}, err
	}
	defer wc.release()
	if err := wc.Quarantined(); err != nil {
		return Outcome{Status: StatusQuarantined}, err
	}
	defer wc.arena.Reset()

	// Ledger.
	if info.NewVersion() {
		wc.bumpEpoch()
	}
	limit := info.TimeLimit()
	if limit == 0 {
		limit = s.config.timeLimit
		info.TimeLimitNs = uint64(limit)
	}
	maxEvent := uint64(info.MaxEventBytes)
	if maxEvent == 0 {
		maxEvent = s.config.maxEventBytes
		info.MaxEventBytes = uint32(min(maxEvent, uint64(^uint32(0))))
	}
	if info.MaxLogBytes == 0 {
		info.MaxLogBytes = log.DefaultMaxLogBytes
	}
	wc.arena.SetBudget(info.MaxMemBytes)

	if inbox := s.config.gateway.Drain(wc.id); len(inbox) > 0 {
		if _, err := wc.timeline.Append(inbox, timeline.Stamp{Now: uint64(s.config.clock.Now())}); err != nil {
			wc.logger.Error("gateway responses dropped", slog.Int("count", len(inbox)), slog.Any("error", err))
			return Outcome{Status: StatusError}, ferrors.Wrap(ferrors.Internal, "weave.inbox", err)
		}
	}

	if !info.Trace.IsZero() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, SpanContext(info.Trace))
	}
	ctx, span := s.config.tracer.Start(ctx, "filament.weave",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("filament.context_id", wc.id),
			attribute.String("filament.plugin", wc.info.Name),
			attribute.Int64("filament.recursion_depth", int64(info.RecursionDepth)),
		))
	defer span.End()
	if tc := TraceContext(span.SpanContext()); !tc.IsZero() {
		info.Trace = tc
	}

	deadline := time.Now().Add(limit)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	s.fillRecord(wc, info)
	t := newTurn(ctx, wc, info, turnLimits{
		deadline:      deadline,
		auth:          s.config.gateway.Authorizer(),
		resourceMax:   info.ResourceMax,
		maxEventBytes: maxEvent,
	})

	out, err := s.run(ctx, wc, t, info, maxDepth)
	span.SetAttributes(
		attribute.String("filament.status", string(out.Status)),
		attribute.Int("filament.events", len(out.Committed)),
		attribute.Int("filament.yields", out.Yields),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// fillRecord sets the live fields the plugin reads.
func (s *Scheduler) fillRecord(wc *Context, info *entities.WeaveInfo) {
	mono := s.config.clock.Monotonic()
	info.Context = wc.handle
	info.ArenaHandle = wc.arena.Handle()
	info.TimelineLen = wc.timeline.Len()
	info.LastEventID = wc.timeline.LastID()
	info.CurrentTime = uint64(s.config.clock.Now())
	info.MonotonicTime = uint64(mono)
	info.ResourceUsed = 0
	if info.RandomSeed == 0 {
		info.RandomSeed = seedFor(wc.id, info.LastEventID, wc.timeline.LastTick())
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()
	info.DeltaTimeNs = 0
	if wc.lastMono != 0 && mono > wc.lastMono {
		info.DeltaTimeNs = uint64(mono - wc.lastMono)
	}
	wc.lastMono = mono
	info.Flags &^= entities.WeaveFlagNewVersion
	if wc.epoch != wc.seenEpoch {
		info.Flags |= entities.WeaveFlagNewVersion
		wc.seenEpoch = wc.epoch
	}
}

// seedFor derives a replayable seed from the timeline position.
func seedFor(id string, lastID, tick uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], lastID)
	binary.LittleEndian.PutUint64(b[8:], tick)
	h.Write(b[:])
	if seed := h.Sum64(); seed != 0 {
		return seed
	}
	return 1
}

func (s *Scheduler) run(ctx context.Context, wc *Context, t *turn, info *entities.WeaveInfo, maxDepth uint32) (Outcome, error) {
	var out Outcome
	for {
		res, recovered := invoke(ctx, wc.instance, t, info)
		staged, used, violation := t.result()
		out.ResourceUsed = used

		if res.Status == entities.ResultPanic {
			detail := "plugin panicked"
			if recovered != nil {
				detail = fmt.Sprintf("plugin panicked: %v", recovered)
			}
			err := ferrors.New(ferrors.Internal, "weave", "context %s quarantined: %s", wc.id, detail)
			wc.setQuarantine(err)
			wc.logger.Error("turn panicked, context quarantined", slog.Any("error", err))
			out.Status = StatusPanicked
			return out, err
		}
		if violation != nil {
			if res.Status == entities.ResultDone {
				reportCommit(wc.instance, false)
			}
			return s.abort(wc, out, violation)
		}

		switch res.Status {
		case entities.ResultDone:
			if err := t.checkpoint("weave.commit"); err != nil {
				reportCommit(wc.instance, false)
				return s.abort(wc, out, err)
			}
			committed, err := wc.timeline.Append(staged, timeline.Stamp{
				Trace: info.Trace,
				Now:   uint64(s.config.clock.Now()),
			})
			if err != nil {
				reportCommit(wc.instance, false)
				return s.abort(wc, out, err)
			}
			reportCommit(wc.instance, true)
			queued := s.config.gateway.Dispatch(wc.id, wc.caps, wc.grants, committed)
			s.config.metrics.AddEventsCommitted(len(committed))
			out.Status = StatusCommitted
			out.Committed = committed
			wc.logger.Debug("turn committed",
				slog.Int("events", len(committed)),
				slog.Int("requests", queued),
				slog.Uint64("resource_used", used),
				slog.Int("yields", out.Yields))
			return out, nil

		case entities.ResultYield:
			out.Yields++
			if uint64(info.RecursionDepth)+uint64(out.Yields) >= uint64(maxDepth) {
				return s.abort(wc, out, ferrors.New(ferrors.InvalidArgument, "weave",
					"yielded %d times at depth %d, limit %d", out.Yields, info.RecursionDepth, maxDepth))
			}
			if err := t.checkpoint("weave.yield"); err != nil {
				return s.abort(wc, out, err)
			}
			t.reset()
			wc.arena.Reset()
			wc.arena.SetBudget(info.MaxMemBytes)
			info.ArenaHandle = wc.arena.Handle()

		case entities.ResultError:
			err := turnError(res.ErrorText)
			out.Status = StatusError
			if ferrors.CodeOf(err).ContextFatal() {
				wc.setQuarantine(err)
				wc.logger.Error("turn failed, context quarantined", slog.Any("error", err))
			} else {
				wc.logger.Debug("turn failed", slog.Any("error", err))
			}
			return out, err

		default:
			out.Status = StatusError
			return out, ferrors.New(ferrors.Internal, "weave", "unknown turn result %s", res.Status)
		}
	}
}

func reportCommit(inst ports.Instance, committed bool) {
	if o, ok := inst.(ports.CommitObserver); ok {
		o.TurnCommitted(committed)
	}
}

func (s *Scheduler) abort(wc *Context, out Outcome, err error) (Outcome, error) {
	out.Status = StatusAborted
	out.Committed = nil
	if ferrors.CodeOf(err).ContextFatal() {
		wc.setQuarantine(err)
	}
	wc.logger.Warn("turn aborted", slog.Any("error", err))
	return out, err
}

// invoke runs one attempt and converts a Go panic into a panic result.
func invoke(ctx context.Context, inst ports.Instance, t *turn, info *entities.WeaveInfo) (res ports.TurnResult, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			res = ports.TurnResult{Status: entities.ResultPanic}
			recovered = r
		}
	}()
	return inst.Weave(ctx, t, info), nil
}

// turnError decodes the error buffer of an ERROR result: a JSON
// {"code":N,"message":"..."} document, or plain text reported as INTERNAL.
func turnError(text []byte) error {
	var body struct {
		Code    *int64 `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(text, &body) == nil && body.Code != nil {
		if code, ok := ferrors.CodeFromInt(*body.Code); ok && code != ferrors.OK {
			return ferrors.New(code, "weave", "%s", body.Message)
		}
	}
	msg := strings.TrimSpace(string(text))
	if msg == "" {
		msg = "plugin reported an error"
	}
	return ferrors.New(ferrors.Internal, "weave", "%s", msg)
}

// checkABI validates the identity record against the host version.
func (s *Scheduler) checkABI(info entities.PluginInfo) error {
	if info.Magic != entities.Magic {
		return ferrors.New(ferrors.VersionMismatch, "weave.abi", "bad magic %#x", info.Magic)
	}
	if err := entities.CheckCompatible(s.config.hostVersion, info.RequiredVersion); err != nil {
		return ferrors.Wrap(ferrors.VersionMismatch, "weave.abi", err)
	}
	return nil
}
