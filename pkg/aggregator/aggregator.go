// Package aggregator merges evaluations and health reports into snapshots.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/threshold"
	"github.com/instancehub/instancehub/pkg/types"
)

// DefaultRefresh is the snapshot cadence when none is configured
const DefaultRefresh = 2 * time.Second

// Aggregator is the single fan-in point of the engine. Its tables are owned
// by the Run goroutine and never shared; consumers receive immutable
// snapshots.
type Aggregator struct {
	logger  *slog.Logger
	refresh time.Duration
	now     func() time.Time

	metricIDs  []string
	serviceIDs []string
	hub        *stream.Hub[types.Snapshot]

	// owned by Run
	samples map[string]types.Sample
	alerts  map[string]types.AlertState
	health  map[string]types.HealthReport
	seq     uint64
	lastTS  time.Time

	latestMu sync.RWMutex
	latest   types.Snapshot

	// State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// Option is a functional option for configuring the Aggregator
type Option func(*Aggregator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithRefresh sets the snapshot cadence
func WithRefresh(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.refresh = d
		}
	}
}

// WithClock overrides the snapshot timestamp source
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an aggregator. Every metric and service listed here appears
// in every snapshot, with a placeholder until real data arrives.
func New(metricIDs, serviceIDs []string, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:     slog.Default(),
		refresh:    DefaultRefresh,
		now:        time.Now,
		metricIDs:  append([]string(nil), metricIDs...),
		serviceIDs: append([]string(nil), serviceIDs...),
		hub:        stream.NewHub[types.Snapshot](),
		samples:    make(map[string]types.Sample),
		alerts:     make(map[string]types.AlertState),
		health:     make(map[string]types.HealthReport),
	}
	for _, opt := range opts {
		opt(a)
	}
	// unpublished placeholder view; the first published snapshot is Seq 1
	a.latest = a.build()
	a.latest.Seq = 0
	a.seq = 0
	return a
}

// Subscribe opens a snapshot sequence. Delivery is always drop-oldest so a
// slow consumer never stalls the aggregator.
func (a *Aggregator) Subscribe(opts stream.Options) *stream.Subscription[types.Snapshot] {
	opts.Policy = stream.DropOldest
	return a.hub.Subscribe(opts)
}

// Latest returns the most recently published snapshot.
func (a *Aggregator) Latest() types.Snapshot {
	a.latestMu.RLock()
	defer a.latestMu.RUnlock()
	return a.latest
}

// Run merges inputs and publishes a snapshot on every refresh tick until ctx
// ends. A closed input is simply ignored from then on. Subscriptions are
// closed when Run returns.
func (a *Aggregator) Run(ctx context.Context, evals <-chan threshold.Evaluation, health <-chan types.HealthReport) {
	defer a.hub.CloseAll()

	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()

	a.publish(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-evals:
			if !ok {
				evals = nil
				continue
			}
			a.samples[ev.Sample.MetricID] = ev.Sample
			a.alerts[ev.Sample.MetricID] = ev.State

		case hr, ok := <-health:
			if !ok {
				health = nil
				continue
			}
			a.health[hr.ServiceID] = hr

		case <-ticker.C:
			a.publish(ctx)
		}
	}
}

// Start runs the aggregator in the background.
func (a *Aggregator) Start(ctx context.Context, evals <-chan threshold.Evaluation, health <-chan types.HealthReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("aggregator already running")
	}
	a.running = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		a.Run(runCtx, evals, health)
	}(a.done)

	a.logger.Info("Aggregator started", "refresh", a.refresh, "metrics", len(a.metricIDs), "services", len(a.serviceIDs))
	return nil
}

// Stop cancels the background loop and waits for it, bounded by ctx.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()

	select {
	case <-done:
		a.logger.Info("Aggregator stopped")
		return nil
	case <-ctx.Done():
		return hubErrors.WrapWithCode(ctx.Err(), hubErrors.ErrTimeout, "aggregator did not stop in time", "")
	}
}

func (a *Aggregator) publish(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	snap := a.build()

	a.latestMu.Lock()
	a.latest = snap
	a.latestMu.Unlock()

	a.hub.Publish(ctx, snap)
}

// build copies the tables into a fresh snapshot with a strictly increasing
// timestamp and the next sequence number.
func (a *Aggregator) build() types.Snapshot {
	ts := a.now()
	if !ts.After(a.lastTS) {
		ts = a.lastTS.Add(time.Nanosecond)
	}
	a.lastTS = ts
	a.seq++

	snap := types.Snapshot{
		Seq:           a.seq,
		Timestamp:     ts,
		Samples:       make(map[string]types.Sample, len(a.metricIDs)),
		Alerts:        make(map[string]types.AlertState, len(a.metricIDs)),
		HealthReports: make(map[string]types.HealthReport, len(a.serviceIDs)),
	}

	for _, id := range a.metricIDs {
		snap.Samples[id] = types.NotSampled(id)
		snap.Alerts[id] = types.AlertState{}
	}
	for id, s := range a.samples {
		snap.Samples[id] = s
	}
	for id, st := range a.alerts {
		snap.Alerts[id] = st.Clone()
	}

	for _, id := range a.serviceIDs {
		snap.HealthReports[id] = types.NotChecked(id, "")
	}
	for id, hr := range a.health {
		if hr.Latency != nil {
			l := *hr.Latency
			hr.Latency = &l
		}
		snap.HealthReports[id] = hr
	}
	return snap
}
