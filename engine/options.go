package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor-go/conductor/engine/emit"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	eng := engine.New(repo, execs, interactions, runner, catalog,
//	    engine.WithMaxConcurrentExecutions(20),
//	    engine.WithEmitter(emit.NewLogEmitter(logger)),
//	)
type Option func(*engineConfig)

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	maxConcurrentExecutions   int
	defaultNodeTimeout        time.Duration
	defaultInteractionTimeout time.Duration
	sweepInterval             time.Duration
	strictInputMappings       bool

	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	logger   zerolog.Logger
	fileStor FileStore
	notifier NotificationSink
	queue    BackgroundQueue
}

// WithMaxConcurrentExecutions caps the number of workflow executions running
// concurrently in this process. Default: 10.
func WithMaxConcurrentExecutions(n int) Option {
	return func(cfg *engineConfig) {
		if n > 0 {
			cfg.maxConcurrentExecutions = n
		}
	}
}

// WithDefaultNodeTimeout sets the timeout applied to a program invocation
// when the node's settings specify none. Default: 30 minutes.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.defaultNodeTimeout = d
		}
	}
}

// WithDefaultInteractionTimeout sets the timeout applied to UI interactions
// with no explicit timeout. Default: 30 minutes.
func WithDefaultInteractionTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.defaultInteractionTimeout = d
		}
	}
}

// WithSweepInterval sets how often the timeout sweep scans for expired
// interactions. Default: 1 minute. Zero disables the sweep; tests drive it
// directly through SweepTimedOutInteractions.
func WithSweepInterval(d time.Duration) Option {
	return func(cfg *engineConfig) {
		cfg.sweepInterval = d
	}
}

// WithStrictInputMappings promotes an unsatisfied required legacy input
// mapping from a warning to a node-level validation failure. Off by
// default: the by-program-name propagation channel is authoritative and
// legacy mappings are best-effort.
func WithStrictInputMappings(strict bool) Option {
	return func(cfg *engineConfig) {
		cfg.strictInputMappings = strict
	}
}

// WithEmitter routes engine observability events to the given emitter.
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) {
		if e != nil {
			cfg.emitter = e
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) {
		cfg.metrics = m
	}
}

// WithLogger sets the engine's structured logger. Default: a disabled
// logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *engineConfig) {
		cfg.logger = logger
	}
}

// WithFileStore attaches the output-file storage collaborator. Required for
// the download operations; without it they return KindInvalidState.
func WithFileStore(fs FileStore) Option {
	return func(cfg *engineConfig) {
		cfg.fileStor = fs
	}
}

// WithNotifier attaches the UI notification sink. Default: discard.
func WithNotifier(n NotificationSink) Option {
	return func(cfg *engineConfig) {
		if n != nil {
			cfg.notifier = n
		}
	}
}

// WithBackgroundQueue replaces the default goroutine-backed queue used for
// execution dispatch and UI continuation.
func WithBackgroundQueue(q BackgroundQueue) Option {
	return func(cfg *engineConfig) {
		if q != nil {
			cfg.queue = q
		}
	}
}

func defaultConfig() *engineConfig {
	return &engineConfig{
		maxConcurrentExecutions:   10,
		defaultNodeTimeout:        30 * time.Minute,
		defaultInteractionTimeout: 30 * time.Minute,
		sweepInterval:             time.Minute,
		emitter:                   emit.NewNullEmitter(),
		logger:                    zerolog.Nop(),
		notifier:                  nullNotifier{},
	}
}
