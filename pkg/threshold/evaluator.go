package threshold

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/types"
)

// Evaluation pairs a sample with the alert state computed from it, so
// downstream consumers never see one without the other.
type Evaluation struct {
	Sample types.Sample
	State  types.AlertState
	Alerts []types.Alert
}

// Evaluator owns the alert state of every metric
type Evaluator struct {
	logger   *slog.Logger
	machines map[string]*Machine
	plain    map[string]*types.AlertState // metrics without thresholds

	evals  *stream.Hub[Evaluation]
	alerts *stream.Hub[types.Alert]

	statesMu sync.RWMutex
	states   map[string]types.AlertState

	// State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// Option is a functional option for configuring the Evaluator
type Option func(*Evaluator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// New creates an evaluator for the given thresholds. Any invalid config is
// an error; callers that want to skip bad metrics filter with Validate first.
func New(configs []types.ThresholdConfig, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		logger:   slog.Default(),
		machines: make(map[string]*Machine, len(configs)),
		plain:    make(map[string]*types.AlertState),
		evals:    stream.NewHub[Evaluation](),
		alerts:   stream.NewHub[types.Alert](),
		states:   make(map[string]types.AlertState),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, cfg := range configs {
		if _, dup := e.machines[cfg.MetricID]; dup {
			return nil, hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("duplicate threshold for %s", cfg.MetricID),
				"Define one threshold per metric")
		}
		m, err := NewMachine(cfg)
		if err != nil {
			return nil, err
		}
		e.machines[cfg.MetricID] = m
		e.states[cfg.MetricID] = m.State()
	}
	return e, nil
}

// Subscribe opens a sequence of evaluations.
func (e *Evaluator) Subscribe(opts stream.Options) *stream.Subscription[Evaluation] {
	return e.evals.Subscribe(opts)
}

// SubscribeAlerts opens a sequence of status transitions.
func (e *Evaluator) SubscribeAlerts(opts stream.Options) *stream.Subscription[types.Alert] {
	return e.alerts.Subscribe(opts)
}

// States returns a copy of every known alert state.
func (e *Evaluator) States() map[string]types.AlertState {
	e.statesMu.RLock()
	defer e.statesMu.RUnlock()

	out := make(map[string]types.AlertState, len(e.states))
	for id, st := range e.states {
		out[id] = st.Clone()
	}
	return out
}

// Process evaluates one sample. It must only be called from one goroutine
// at a time; Run is that goroutine while the evaluator is started.
func (e *Evaluator) Process(s types.Sample) Evaluation {
	var ev Evaluation
	ev.Sample = s

	if m, ok := e.machines[s.MetricID]; ok {
		ev.Alerts = m.Observe(s)
		ev.State = m.State()
	} else {
		st, ok := e.plain[s.MetricID]
		if !ok {
			st = &types.AlertState{}
			e.plain[s.MetricID] = st
		}
		st.Stale = !s.OK
		if s.OK {
			st.LastValue = s.Value
		}
		ev.State = *st
	}

	e.statesMu.Lock()
	e.states[s.MetricID] = ev.State.Clone()
	e.statesMu.Unlock()

	for _, a := range ev.Alerts {
		if a.Raised() {
			e.logger.Warn("Alert raised", "metric", a.MetricID, "from", a.From, "to", a.To, "value", a.Value)
		} else {
			e.logger.Info("Alert cleared", "metric", a.MetricID, "from", a.From, "to", a.To, "value", a.Value)
		}
	}
	return ev
}

// Run consumes samples until ctx ends or in is closed, publishing one
// Evaluation per sample and one Alert per transition. Subscriptions are
// closed when Run returns.
func (e *Evaluator) Run(ctx context.Context, in <-chan types.Sample) {
	defer func() {
		e.evals.CloseAll()
		e.alerts.CloseAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			ev := e.Process(s)
			if ctx.Err() != nil {
				return
			}
			e.evals.Publish(ctx, ev)
			for _, a := range ev.Alerts {
				e.alerts.Publish(ctx, a)
			}
		}
	}
}

// Start runs the evaluator in the background.
func (e *Evaluator) Start(ctx context.Context, in <-chan types.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("evaluator already running")
	}
	e.running = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		e.Run(runCtx, in)
	}(e.done)

	e.logger.Info("Evaluator started", "thresholds", len(e.machines))
	return nil
}

// Stop cancels the background loop and waits for it, bounded by ctx.
func (e *Evaluator) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
		e.logger.Info("Evaluator stopped")
		return nil
	case <-ctx.Done():
		return hubErrors.WrapWithCode(ctx.Err(), hubErrors.ErrTimeout, "evaluator did not stop in time", "")
	}
}
