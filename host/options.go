package host

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/filament-host/domain/ports"
)

// hostOptions holds the collaborators a Host can be given instead of the
// ones built from configuration.
type hostOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.Tracer
	tools      ports.ToolExecutor
	env        ports.EnvSource
	httpClient ports.HTTPClient
	kvBackend  ports.KVBackend
	archive    ports.SnapshotArchive
	grants     ports.GrantStore
	prompter   ports.Prompter
	clock      ports.Clock
	values     map[string]any
}

// Option configures a Host.
type Option func(*hostOptions)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(o *hostOptions) {
		o.logger = l
	}
}

// WithRegisterer registers metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *hostOptions) {
		o.registerer = reg
	}
}

// WithTracer sets the tracer for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *hostOptions) {
		o.tracer = t
	}
}

// WithTools exposes host tools to plugins holding tool grants.
func WithTools(t ports.ToolExecutor) Option {
	return func(o *hostOptions) {
		o.tools = t
	}
}

// WithEnv sets the environment source for env requests.
func WithEnv(e ports.EnvSource) Option {
	return func(o *hostOptions) {
		o.env = e
	}
}

// WithHTTPClient replaces the SSRF-guarded client built from the gateway
// section.
func WithHTTPClient(c ports.HTTPClient) Option {
	return func(o *hostOptions) {
		o.httpClient = c
	}
}

// WithKVBackend replaces the kv backend selected by storage.redis_addr.
func WithKVBackend(b ports.KVBackend) Option {
	return func(o *hostOptions) {
		o.kvBackend = b
	}
}

// WithArchive replaces the archive opened from storage.archive_path.
func WithArchive(a ports.SnapshotArchive) Option {
	return func(o *hostOptions) {
		o.archive = a
	}
}

// WithGrants replaces the grant store opened from storage.grants_path.
func WithGrants(s ports.GrantStore) Option {
	return func(o *hostOptions) {
		o.grants = s
	}
}

// WithOperatorPrompter asks p about grants the grant store lacks.
func WithOperatorPrompter(p ports.Prompter) Option {
	return func(o *hostOptions) {
		o.prompter = p
	}
}

// WithClock sets the scheduler clock.
func WithClock(c ports.Clock) Option {
	return func(o *hostOptions) {
		o.clock = c
	}
}

// WithManifestValues sets the values manifest templates render against.
func WithManifestValues(values map[string]any) Option {
	return func(o *hostOptions) {
		o.values = values
	}
}
