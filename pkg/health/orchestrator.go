package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the pause between periodic check cycles
const DefaultInterval = 10 * time.Second

type service struct {
	id      string
	kind    string
	checker Checker
	timeout time.Duration
	retries int
}

// Orchestrator checks every registered service concurrently, each under its
// own timeout and retry policy.
type Orchestrator struct {
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	now         func() time.Time
	hub         *stream.Hub[types.HealthReport]

	services map[string]*service
	order    []string

	failMu   sync.Mutex
	failures map[string]uint

	// State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithInterval sets the periodic check cadence
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithConcurrency caps simultaneous checks. Zero means one per service.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// NewOrchestrator creates an orchestrator with no services
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
		hub:      stream.NewHub[types.HealthReport](),
		services: make(map[string]*service),
		failures: make(map[string]uint),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register builds a checker for cfg and adds it.
func (o *Orchestrator) Register(cfg ServiceConfig) error {
	checker, err := NewChecker(cfg)
	if err != nil {
		return err
	}
	if err := o.RegisterChecker(cfg.ID, checker, cfg.Timeout, cfg.Retries); err != nil {
		_ = checker.Close()
		return err
	}
	return nil
}

// RegisterChecker adds a service backed by an existing checker.
func (o *Orchestrator) RegisterChecker(id string, checker Checker, timeout time.Duration, retries int) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("service %s: cannot register while checks are running", id), "")
	}
	if _, dup := o.services[id]; dup {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("service %s is already registered", id), "Service ids must be unique")
	}
	o.services[id] = &service{id: id, kind: checker.Kind(), checker: checker, timeout: timeout, retries: retries}
	o.order = append(o.order, id)
	return nil
}

// Checker returns the checker registered under id.
func (o *Orchestrator) Checker(id string) (Checker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.services[id]
	if !ok {
		return nil, false
	}
	return s.checker, true
}

// ServiceIDs returns registered ids in registration order.
func (o *Orchestrator) ServiceIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// Subscribe opens a report sequence fed by periodic mode.
func (o *Orchestrator) Subscribe(opts stream.Options) *stream.Subscription[types.HealthReport] {
	return o.hub.Subscribe(opts)
}

// CheckAll checks every service concurrently and returns one report per
// service. timeout overrides each service's own timeout when positive. It
// returns within the largest effective timeout even if a driver ignores
// cancellation.
func (o *Orchestrator) CheckAll(ctx context.Context, timeout time.Duration) map[string]types.HealthReport {
	o.mu.Lock()
	services := make([]*service, 0, len(o.order))
	for _, id := range o.order {
		services = append(services, o.services[id])
	}
	o.mu.Unlock()

	var (
		mu      sync.Mutex
		reports = make(map[string]types.HealthReport, len(services))
		g       errgroup.Group
	)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}

	for _, s := range services {
		g.Go(func() error {
			t := s.timeout
			if timeout > 0 {
				t = timeout
			}
			report := o.checkOne(ctx, s, t)

			mu.Lock()
			reports[s.id] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

// checkOne runs one cycle for a service: up to retries+1 attempts for
// transient failures, none for auth, protocol or timeout failures, all
// within timeout.
func (o *Orchestrator) checkOne(ctx context.Context, s *service, timeout time.Duration) types.HealthReport {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	operation := func() (time.Duration, error) {
		attempts++
		start := time.Now()
		err := o.call(cctx, s, timeout)
		if err == nil {
			return time.Since(start), nil
		}
		if IsRetryable(err) {
			return 0, err
		}
		return 0, backoff.Permanent(err)
	}

	latency, err := backoff.Retry(cctx, operation,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(s.retries+1)),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && cctx.Err() != nil && ctx.Err() == nil && !IsAuth(err) {
		err = hubErrors.Timeout("health check "+s.id, timeout)
	}

	report := types.HealthReport{
		ServiceID: s.id,
		Kind:      s.kind,
		CheckedAt: o.now(),
		Attempts:  attempts,
	}

	o.failMu.Lock()
	if err == nil {
		o.failures[s.id] = 0
		report.Reachable = true
		report.Latency = &latency
	} else {
		o.failures[s.id]++
		report.LastError = hubErrors.Summary(err)
	}
	report.ConsecutiveFailures = o.failures[s.id]
	o.failMu.Unlock()

	return report
}

// call runs Check in its own goroutine so a driver that ignores ctx cannot
// hold the cycle past its deadline.
func (o *Orchestrator) call(ctx context.Context, s *service, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- hubErrors.New(hubErrors.ErrHealth, fmt.Sprintf("%s checker panicked: %v", s.kind, r), "")
			}
		}()
		done <- s.checker.Check(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && IsTimeout(err) {
			return hubErrors.Timeout("health check "+s.id, timeout)
		}
		return err
	case <-ctx.Done():
		return hubErrors.Timeout("health check "+s.id, timeout)
	}
}

// Start runs a check cycle immediately and then every interval, publishing
// each report.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("health orchestrator already running")
	}
	o.running = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go o.loop(runCtx)

	o.logger.Info("Health checks started", "services", len(o.order), "interval", o.interval)
	return nil
}

// Stop cancels the periodic loop, waits for it within ctx and closes all
// subscriptions.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = hubErrors.WrapWithCode(ctx.Err(), hubErrors.ErrTimeout, "health checks did not stop in time", "")
	}

	o.hub.CloseAll()
	o.logger.Info("Health checks stopped")
	return err
}

// Close releases every checker's connections.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, id := range o.order {
		if err := o.services[id].checker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) {
	reports := o.CheckAll(ctx, 0)
	if ctx.Err() != nil {
		return
	}

	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := reports[id]
		if !r.Reachable {
			o.logger.Warn("Service unreachable", "service", id, "kind", r.Kind,
				"attempts", r.Attempts, "failures", r.ConsecutiveFailures, "error", r.LastError)
		}
		o.hub.Publish(ctx, r)
	}
}
