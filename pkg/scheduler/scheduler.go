// Package scheduler invokes each registered probe on its own interval and
// publishes every outcome, success or failure, as a Sample.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/probes"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/types"
)

// Registration binds a probe to its scheduling attributes
type Registration struct {
	Probe    probes.Probe
	Interval time.Duration
	Timeout  time.Duration // defaults to Interval
	CatchUp  bool          // replay one skipped tick after a slow invocation
}

// ProbeStats counts what happened to one probe during the current run
type ProbeStats struct {
	Runs                uint64    `json:"runs"`
	Failures            uint64    `json:"failures"`
	Skipped             uint64    `json:"skipped"`
	CatchUps            uint64    `json:"catchUps"`
	ConsecutiveFailures uint      `json:"consecutiveFailures"`
	LastRun             time.Time `json:"lastRun"`
}

// Scheduler runs one worker goroutine per registered probe
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time
	hub    *stream.Hub[types.Sample]

	regs    []Registration
	ids     map[string]bool
	statsMu sync.Mutex
	stats   map[string]*ProbeStats

	// State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// Option is a functional option for configuring the Scheduler
type Option func(*Scheduler)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock overrides the sample timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates an idle scheduler
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		now:    time.Now,
		hub:    stream.NewHub[types.Sample](),
		ids:    make(map[string]bool),
		stats:  make(map[string]*ProbeStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a probe. It is rejected once the scheduler has started.
func (s *Scheduler) Register(reg Registration) error {
	if reg.Probe == nil {
		return hubErrors.New(hubErrors.ErrConfig, "registration has no probe", "")
	}
	id := reg.Probe.ID()
	if reg.Interval <= 0 {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("probe %s: interval must be positive, got %s", id, reg.Interval),
			"Set an interval such as 2s")
	}
	if reg.Timeout <= 0 {
		reg.Timeout = reg.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("probe %s: cannot register while the scheduler is running", id),
			"Register all probes before Start")
	}
	if s.ids[id] {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("probe %s is already registered", id),
			"Metric ids must be unique")
	}
	s.ids[id] = true
	s.regs = append(s.regs, reg)
	return nil
}

// MetricIDs returns the registered ids in registration order.
func (s *Scheduler) MetricIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.regs))
	for _, r := range s.regs {
		ids = append(ids, r.Probe.ID())
	}
	return ids
}

// Subscribe opens a sample sequence. Sequences end when the scheduler stops.
func (s *Scheduler) Subscribe(opts stream.Options) *stream.Subscription[types.Sample] {
	return s.hub.Subscribe(opts)
}

// Start launches one worker per probe. Each worker samples immediately and
// then on every tick of its interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.statsMu.Lock()
	s.stats = make(map[string]*ProbeStats, len(s.regs))
	for _, r := range s.regs {
		s.stats[r.Probe.ID()] = &ProbeStats{}
	}
	s.statsMu.Unlock()

	for _, r := range s.regs {
		s.wg.Add(1)
		go s.worker(runCtx, r)
	}

	s.logger.Info("Scheduler started", "probes", len(s.regs))
	return nil
}

// Stop cancels all workers and waits for them, bounded by ctx. Results that
// land after cancellation are discarded and every subscription is closed.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	grace := graceOf(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = hubErrors.Timeout("scheduler stop", grace)
		s.logger.Warn("Scheduler workers did not exit within grace period", "error", err)
	}

	s.hub.CloseAll()
	s.logger.Info("Scheduler stopped")
	return err
}

// Stats returns a copy of the per-probe counters of the current run.
func (s *Scheduler) Stats() map[string]ProbeStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := make(map[string]ProbeStats, len(s.stats))
	for id, st := range s.stats {
		out[id] = *st
	}
	return out
}

func (s *Scheduler) worker(ctx context.Context, reg Registration) {
	defer s.wg.Done()

	id := reg.Probe.ID()
	ticker := time.NewTicker(reg.Interval)
	defer ticker.Stop()

	// one invocation in flight at a time, so a buffer of one never blocks
	results := make(chan types.Sample, 1)
	inFlight := false
	catchUp := false

	launch := func() {
		inFlight = true
		go func() {
			results <- s.invoke(ctx, reg)
		}()
	}

	launch()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if inFlight {
				s.update(id, func(st *ProbeStats) { st.Skipped++ })
				if reg.CatchUp {
					catchUp = true
				}
				continue
			}
			launch()

		case sample := <-results:
			inFlight = false
			if ctx.Err() != nil {
				return
			}

			s.update(id, func(st *ProbeStats) {
				st.Runs++
				st.LastRun = sample.Timestamp
				if sample.OK {
					st.ConsecutiveFailures = 0
				} else {
					st.Failures++
					st.ConsecutiveFailures++
					sample.Failures = st.ConsecutiveFailures
				}
			})

			if !sample.OK {
				s.logger.Debug("Probe failed", "metric", id, "failures", sample.Failures, "error", sample.Error)
			}
			s.hub.Publish(ctx, sample)

			if catchUp && ctx.Err() == nil {
				catchUp = false
				s.update(id, func(st *ProbeStats) { st.CatchUps++ })
				launch()
			}
		}
	}
}

// invoke runs one probe call under its timeout. The call itself runs in a
// separate goroutine so invoke returns at the deadline even when the probe
// ignores its context; such a call is abandoned.
func (s *Scheduler) invoke(ctx context.Context, reg Registration) types.Sample {
	id := reg.Probe.ID()
	callCtx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	type outcome struct {
		value float64
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: hubErrors.New(hubErrors.ErrProbe, fmt.Sprintf("probe %s panicked: %v", id, r), "")}
			}
		}()
		v, err := reg.Probe.Sample(callCtx)
		done <- outcome{value: v, err: err}
	}()

	sample := types.Sample{MetricID: id, Unit: reg.Probe.Unit()}

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: hubErrors.Timeout("probe "+id, reg.Timeout)}
	}

	sample.Timestamp = s.now()
	if out.err != nil {
		sample.Error = hubErrors.Summary(out.err)
		return sample
	}
	sample.Value = out.value
	sample.OK = true
	return sample
}

func (s *Scheduler) update(id string, fn func(*ProbeStats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if st, ok := s.stats[id]; ok {
		fn(st)
	}
}

// graceOf reports how long ctx still allows, for error messages.
func graceOf(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 {
			return left.Round(time.Millisecond)
		}
	}
	return 0
}
