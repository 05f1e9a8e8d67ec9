// Package gateway gates plugin service requests behind declared
// capabilities and resolves them asynchronously into response events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/kv"
	"github.com/reglet-dev/filament-host/metrics"
)

// Service labels used in logs and metrics.
const (
	ServiceHTTP = "http"
	ServiceTool = "tool"
	ServiceKV   = "kv"
	ServiceEnv  = "env"
)

type gatewayConfig struct {
	logger  *slog.Logger
	metrics ports.Metrics
	http    ports.HTTPClient
	tools   ports.ToolExecutor
	env     ports.EnvSource
	kv      *kv.Store
	blobs   *blob.Store
	auth    *Authorizer
	rate    rate.Limit
	burst   int
	workers int
	// maxEventBytes caps response payloads. Zero disables the cap.
	maxEventBytes uint64
}

func defaultGatewayConfig() gatewayConfig {
	return gatewayConfig{
		logger:  slog.Default(),
		metrics: ports.NopMetrics{},
		env:     OSEnv{},
		rate:    100,
		burst:   10,
		workers: 4,
	}
}

// Option configures a Gateway.
type Option func(*gatewayConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *gatewayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.Metrics) Option {
	return func(c *gatewayConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHTTPClient sets the client behind http.request. Without one the
// service answers NOT_CONFIGURED.
func WithHTTPClient(h ports.HTTPClient) Option {
	return func(c *gatewayConfig) { c.http = h }
}

// WithTools sets the executor behind tool.invoke.
func WithTools(t ports.ToolExecutor) Option {
	return func(c *gatewayConfig) { c.tools = t }
}

// WithEnv sets the source behind env.get. The default is OSEnv.
func WithEnv(e ports.EnvSource) Option {
	return func(c *gatewayConfig) {
		if e != nil {
			c.env = e
		}
	}
}

// WithKV sets the store behind kv.update.
func WithKV(s *kv.Store) Option {
	return func(c *gatewayConfig) { c.kv = s }
}

// WithBlobs lets http.request bodies reference blobs.
func WithBlobs(s *blob.Store) Option {
	return func(c *gatewayConfig) { c.blobs = s }
}

// WithAuthorizer replaces the default authorizer.
func WithAuthorizer(a *Authorizer) Option {
	return func(c *gatewayConfig) {
		if a != nil {
			c.auth = a
		}
	}
}

// WithRate throttles resolution per context. burst below 1 is raised to 1.
func WithRate(perSecond float64, burst int) Option {
	return func(c *gatewayConfig) {
		if perSecond > 0 {
			c.rate = rate.Limit(perSecond)
		}
		c.burst = max(burst, 1)
	}
}

// WithWorkers bounds how many contexts resolve concurrently.
func WithWorkers(n int) Option {
	return func(c *gatewayConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMaxEventBytes caps response payloads. A larger response is replaced by
// a DATA_TOO_LARGE sys.error.
func WithMaxEventBytes(n uint64) Option {
	return func(c *gatewayConfig) { c.maxEventBytes = n }
}

type request struct {
	event   entities.Event
	service string
	payload any
}

type queue struct {
	limiter   *rate.Limiter
	pending   []request
	responses []entities.Event
	detached  bool
	mu        sync.Mutex
	// resolving serializes Resolve within one context.
	resolving sync.Mutex
}

// Gateway dispatches committed request events and queues their responses
// per context until the scheduler drains them.
type Gateway struct {
	queues   map[string]*queue
	validate *validator.Validate
	config   gatewayConfig
	mu       sync.Mutex
}

// New creates a Gateway.
func New(opts ...Option) *Gateway {
	cfg := defaultGatewayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.auth == nil {
		cfg.auth = NewAuthorizer(nil)
	}
	return &Gateway{
		queues:   make(map[string]*queue),
		validate: validator.New(),
		config:   cfg,
	}
}

// Authorizer returns the authorizer used for dispatch.
func (g *Gateway) Authorizer() *Authorizer {
	return g.config.auth
}

func (g *Gateway) queue(ctxID string) *queue {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queues[ctxID]
	if !ok {
		q = &queue{limiter: rate.NewLimiter(g.config.rate, g.config.burst)}
		g.queues[ctxID] = q
	}
	return q
}

// Dispatch inspects committed events and enqueues every service request
// the context may make. Denied or malformed requests are answered at once
// with a filament.sys.error linked by ref_id. It returns the number of
// requests enqueued.
func (g *Gateway) Dispatch(ctxID string, caps entities.CapabilitySet, grants *entities.GrantSet, events []entities.Event) int {
	var accepted []request
	var rejected []entities.Event
	for _, e := range events {
		req, err := g.admit(caps, grants, e)
		if req == nil && err == nil {
			continue
		}
		if err != nil {
			outcome := metrics.OutcomeInvalid
			if ferrors.CodeOf(err) == ferrors.PermissionDenied {
				outcome = metrics.OutcomeDenied
			}
			g.config.metrics.IncGatewayRequest(serviceOf(e), outcome)
			g.config.logger.Warn("gateway request rejected",
				slog.String("context_id", ctxID),
				slog.Uint64("event_id", e.ID),
				slog.String("type", e.Kind()),
				slog.Any("error", err))
			rejected = append(rejected, sysError(e, err))
			continue
		}
		accepted = append(accepted, *req)
	}
	if len(accepted) == 0 && len(rejected) == 0 {
		return 0
	}

	q := g.queue(ctxID)
	q.mu.Lock()
	q.pending = append(q.pending, accepted...)
	q.responses = append(q.responses, rejected...)
	q.mu.Unlock()
	return len(accepted)
}

func (g *Gateway) admit(caps entities.CapabilitySet, grants *entities.GrantSet, e entities.Event) (*request, error) {
	required, gated := entities.RequiredCapability(e.Kind())
	if !gated {
		return nil, nil
	}
	auth := g.config.auth
	if err := auth.Declared(caps, required); err != nil {
		return nil, err
	}

	req := &request{event: e, service: serviceOf(e)}
	switch required {
	case entities.CapNetHTTP:
		var p entities.HTTPRequestPayload
		if err := g.decode(e, &p); err != nil {
			return nil, err
		}
		if err := auth.HTTP(caps, grants, p.URL, p.Method); err != nil {
			return nil, err
		}
		req.payload = p
	case entities.CapTool:
		var p entities.ToolInvoke
		if err := g.decode(e, &p); err != nil {
			return nil, err
		}
		if err := auth.Tool(caps, grants, p.ToolName); err != nil {
			return nil, err
		}
		req.payload = p
	case entities.CapKV:
		var p entities.KVUpdate
		if err := g.decode(e, &p); err != nil {
			return nil, err
		}
		if err := auth.KV(caps, grants, p.Key, "write"); err != nil {
			return nil, err
		}
		req.payload = p
	case entities.CapEnv:
		var p entities.EnvGet
		if err := g.decode(e, &p); err != nil {
			return nil, err
		}
		if err := auth.Env(caps, grants, p.Key); err != nil {
			return nil, err
		}
		req.payload = p
	}
	return req, nil
}

// decode parses a request payload. Struct payloads were converted to JSON
// when they crossed the boundary, so only JSON is accepted here.
func (g *Gateway) decode(e entities.Event, v any) error {
	op := "gateway." + serviceOf(e)
	if e.PayloadFormat != entities.FormatJSON {
		return ferrors.New(ferrors.InvalidArgument, op, "unsupported payload format %d", e.PayloadFormat)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return ferrors.Wrap(ferrors.InvalidArgument, op, err)
	}
	if err := g.validate.Struct(v); err != nil {
		return ferrors.Wrap(ferrors.InvalidArgument, op, err)
	}
	return nil
}

// Pending returns the number of requests waiting for Resolve.
func (g *Gateway) Pending(ctxID string) int {
	g.mu.Lock()
	q, ok := g.queues[ctxID]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Resolve performs every queued request. Contexts resolve concurrently,
// bounded by the worker count; requests of one context resolve in commit
// order. Service failures become sys.error responses, so the only error
// returned is ctx's.
func (g *Gateway) Resolve(ctx context.Context) error {
	g.mu.Lock()
	ids := make([]string, 0, len(g.queues))
	queues := make([]*queue, 0, len(g.queues))
	for id, q := range g.queues {
		ids = append(ids, id)
		queues = append(queues, q)
	}
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.config.workers)
	for i, q := range queues {
		ctxID := ids[i]
		eg.Go(func() error {
			return g.resolveQueue(ctx, ctxID, q)
		})
	}
	return eg.Wait()
}

func (g *Gateway) resolveQueue(ctx context.Context, ctxID string, q *queue) error {
	q.resolving.Lock()
	defer q.resolving.Unlock()

	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return nil
	}
	work := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, req := range work {
		if err := q.limiter.Wait(ctx); err != nil {
			// Put back what was not resolved, ahead of anything newer.
			q.mu.Lock()
			q.pending = append(work[i:len(work):len(work)], q.pending...)
			q.mu.Unlock()
			return err
		}
		resp, ok := g.serve(ctx, ctxID, req)
		if !ok {
			continue
		}
		q.mu.Lock()
		q.responses = append(q.responses, resp)
		q.mu.Unlock()
	}
	return nil
}

// Drain hands over the queued responses of a context, oldest first.
func (g *Gateway) Drain(ctxID string) []entities.Event {
	g.mu.Lock()
	q, ok := g.queues[ctxID]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.responses
	q.responses = nil
	return out
}

// Detach takes the queue of a context out of service and waits for a
// Resolve in progress on it to finish, so no request of the context
// performs I/O afterwards. The returned func puts the queue back when the
// caller decides to keep it; otherwise it is dropped with its contents.
func (g *Gateway) Detach(ctxID string) (reattach func()) {
	g.mu.Lock()
	q, ok := g.queues[ctxID]
	delete(g.queues, ctxID)
	g.mu.Unlock()
	if !ok {
		return func() {}
	}

	q.mu.Lock()
	q.detached = true
	q.mu.Unlock()
	q.resolving.Lock()
	q.resolving.Unlock() //nolint:staticcheck // waits out an in-flight resolveQueue

	return func() {
		q.mu.Lock()
		q.detached = false
		q.mu.Unlock()
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, taken := g.queues[ctxID]; !taken {
			g.queues[ctxID] = q
		}
	}
}

// Forget drops everything queued for a context.
func (g *Gateway) Forget(ctxID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.queues, ctxID)
}

func serviceOf(e entities.Event) string {
	switch e.Kind() {
	case entities.URIHTTPRequest:
		return ServiceHTTP
	case entities.URIToolInvoke:
		return ServiceTool
	case entities.URIKVUpdate:
		return ServiceKV
	case entities.URIEnvGet:
		return ServiceEnv
	}
	return "unknown"
}
