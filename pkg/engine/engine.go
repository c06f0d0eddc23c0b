// Package engine assembles the monitoring pipeline from a validated config:
// probes feed the scheduler, the scheduler feeds the threshold evaluator,
// and the aggregator merges evaluations with health reports into snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/aggregator"
	"github.com/instancehub/instancehub/pkg/config"
	"github.com/instancehub/instancehub/pkg/health"
	"github.com/instancehub/instancehub/pkg/probes"
	"github.com/instancehub/instancehub/pkg/scheduler"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/threshold"
	"github.com/instancehub/instancehub/pkg/types"
)

// pipeBuffer sizes the internal subscriptions between stages. They block
// rather than drop so no sample or report is lost between stages.
const pipeBuffer = 64

// ProbeFactory builds a probe for one metric
type ProbeFactory func(kind types.ProbeKind, opts probes.Options) (probes.Probe, error)

// CheckerFactory builds a health checker for one service
type CheckerFactory func(cfg health.ServiceConfig) (health.Checker, error)

// Engine is the running monitor
type Engine struct {
	config *config.Config
	logger *slog.Logger

	newProbe   ProbeFactory
	newChecker CheckerFactory

	scheduler  *scheduler.Scheduler
	evaluator  *threshold.Evaluator
	aggregator *aggregator.Aggregator
	health     *health.Orchestrator

	rejected map[string]error

	// State
	running bool
	pipes   []interface{ Close() }
	mu      sync.Mutex
}

// Option is a functional option for configuring the Engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithProbeFactory replaces probes.New
func WithProbeFactory(f ProbeFactory) Option {
	return func(e *Engine) {
		e.newProbe = f
	}
}

// WithCheckerFactory replaces health.NewChecker
func WithCheckerFactory(f CheckerFactory) Option {
	return func(e *Engine) {
		e.newChecker = f
	}
}

// New builds every component. Configuration-wide problems fail
// construction. A metric or service whose own settings are invalid is
// rejected alone: it is logged, reported by Rejected and left out, and
// everything else is registered.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		logger:     slog.Default(),
		newProbe:   probes.New,
		newChecker: health.NewChecker,
		rejected:   make(map[string]error),
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	e.scheduler = scheduler.New(scheduler.WithLogger(e.logger))
	e.health = health.NewOrchestrator(
		health.WithLogger(e.logger),
		health.WithInterval(cfg.HealthInterval),
	)

	for _, sc := range cfg.Services {
		hc := sc.HealthConfig()
		checker, err := e.newChecker(hc)
		if err != nil {
			e.reject("service", sc.ID, err)
			continue
		}
		if err := e.health.RegisterChecker(hc.ID, checker, hc.Timeout, hc.Retries); err != nil {
			_ = checker.Close()
			e.reject("service", sc.ID, err)
		}
	}

	var thresholds []types.ThresholdConfig
	for _, m := range cfg.Metrics {
		tc, err := e.registerMetric(m)
		if err != nil {
			e.reject("metric", m.ID, err)
			continue
		}
		if tc != nil {
			thresholds = append(thresholds, *tc)
		}
	}

	evaluator, err := threshold.New(thresholds, threshold.WithLogger(e.logger))
	if err != nil {
		// Every config was validated individually above
		return nil, err
	}
	e.evaluator = evaluator

	e.aggregator = aggregator.New(e.scheduler.MetricIDs(), e.health.ServiceIDs(),
		aggregator.WithLogger(e.logger),
		aggregator.WithRefresh(cfg.Refresh),
	)

	return e, nil
}

func (e *Engine) registerMetric(m config.MetricConfig) (*types.ThresholdConfig, error) {
	tc := m.ThresholdConfig()
	if tc != nil {
		if err := tc.Validate(); err != nil {
			return nil, err
		}
	}

	opts := probes.Options{ID: m.ID, Path: m.Path, Interface: m.Interface}
	if m.Kind == types.KindService {
		checker, ok := e.health.Checker(m.Service)
		if !ok {
			return nil, hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("metric %s: service %s was rejected", m.ID, m.Service), "")
		}
		opts.Pinger = checker
	}

	probe, err := e.newProbe(m.Kind, opts)
	if err != nil {
		return nil, err
	}

	err = e.scheduler.Register(scheduler.Registration{
		Probe:    probe,
		Interval: m.Interval,
		Timeout:  m.Timeout,
		CatchUp:  m.CatchUp,
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

func (e *Engine) reject(what, id string, err error) {
	e.rejected[id] = err
	e.logger.Warn("Rejected "+what, what, id, "error", hubErrors.Summary(err))
}

// Rejected returns the metrics and services left out at construction, keyed
// by id.
func (e *Engine) Rejected() map[string]error {
	out := make(map[string]error, len(e.rejected))
	for id, err := range e.rejected {
		out[id] = err
	}
	return out
}

// MetricIDs returns the registered metrics in configuration order.
func (e *Engine) MetricIDs() []string { return e.scheduler.MetricIDs() }

// ServiceIDs returns the registered services in configuration order.
func (e *Engine) ServiceIDs() []string { return e.health.ServiceIDs() }

// Subscribe opens a snapshot sequence. It ends when the engine stops.
func (e *Engine) Subscribe(opts stream.Options) *stream.Subscription[types.Snapshot] {
	return e.aggregator.Subscribe(opts)
}

// SubscribeAlerts opens an alert sequence. It ends when the engine stops.
func (e *Engine) SubscribeAlerts(opts stream.Options) *stream.Subscription[types.Alert] {
	return e.evaluator.SubscribeAlerts(opts)
}

// Latest returns the most recent snapshot.
func (e *Engine) Latest() types.Snapshot { return e.aggregator.Latest() }

// States returns a copy of every metric's alert state.
func (e *Engine) States() map[string]types.AlertState { return e.evaluator.States() }

// Stats returns the scheduler's per-probe counters.
func (e *Engine) Stats() map[string]scheduler.ProbeStats { return e.scheduler.Stats() }

// CheckAll runs one health cycle outside periodic mode.
func (e *Engine) CheckAll(ctx context.Context, timeout time.Duration) []types.HealthReport {
	reports := e.health.CheckAll(ctx, timeout)
	out := make([]types.HealthReport, 0, len(reports))
	for _, id := range e.health.ServiceIDs() {
		if r, ok := reports[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Start wires the stages together and starts them consumers first, so the
// first samples are never lost.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running")
	}

	pipe := stream.Options{Buffer: pipeBuffer, Policy: stream.Block}
	samples := e.scheduler.Subscribe(pipe)
	evals := e.evaluator.Subscribe(pipe)
	reports := e.health.Subscribe(pipe)
	e.pipes = []interface{ Close() }{samples, evals, reports}

	steps := []func() error{
		func() error { return e.aggregator.Start(ctx, evals.C(), reports.C()) },
		func() error { return e.evaluator.Start(ctx, samples.C()) },
		func() error { return e.scheduler.Start(ctx) },
	}
	if len(e.health.ServiceIDs()) > 0 {
		steps = append(steps, func() error { return e.health.Start(ctx) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			e.stopAll(context.Background())
			return err
		}
	}

	e.running = true
	e.logger.Info("Engine started",
		"metrics", len(e.scheduler.MetricIDs()),
		"services", len(e.health.ServiceIDs()),
		"rejected", len(e.rejected),
		"refresh", e.config.Refresh,
	)
	return nil
}

// Stop halts every stage within the configured grace period, producers
// first. No samples, reports or snapshots are produced after it returns.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.config.GracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.GracePeriod)
		defer cancel()
	}

	err := e.stopAll(ctx)
	e.logger.Info("Engine stopped")
	return err
}

func (e *Engine) stopAll(ctx context.Context) error {
	var errs []error
	for _, stop := range []func(context.Context) error{
		e.scheduler.Stop,
		e.health.Stop,
		e.evaluator.Stop,
		e.aggregator.Stop,
	} {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range e.pipes {
		p.Close()
	}
	e.pipes = nil
	return errors.Join(errs...)
}

// Close releases health-check connections. Call it after Stop.
func (e *Engine) Close() error {
	return e.health.Close()
}

// RejectedIDs returns the rejected ids sorted.
func (e *Engine) RejectedIDs() []string {
	ids := make([]string, 0, len(e.rejected))
	for id := range e.rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
