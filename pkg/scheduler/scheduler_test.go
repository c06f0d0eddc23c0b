package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe runs fn on every call
type fakeProbe struct {
	id    string
	calls atomic.Int64
	fn    func(ctx context.Context, call int64) (float64, error)
}

func (f *fakeProbe) ID() string            { return f.id }
func (f *fakeProbe) Kind() types.ProbeKind { return types.KindCPU }
func (f *fakeProbe) Unit() types.Unit      { return types.UnitPercent }

func (f *fakeProbe) Sample(ctx context.Context) (float64, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, n)
}

func constant(id string, v float64) *fakeProbe {
	return &fakeProbe{id: id, fn: func(context.Context, int64) (float64, error) { return v, nil }}
}

func failing(id string) *fakeProbe {
	return &fakeProbe{id: id, fn: func(context.Context, int64) (float64, error) {
		return 0, errors.New("device unavailable")
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect reads samples until n have arrived for metric or the deadline hits.
func collect(t *testing.T, sub *stream.Subscription[types.Sample], metric string, n int, within time.Duration) []types.Sample {
	t.Helper()
	var out []types.Sample
	deadline := time.After(within)
	for len(out) < n {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return out
			}
			if s.MetricID == metric {
				out = append(out, s)
			}
		case <-deadline:
			t.Fatalf("got %d/%d samples for %s", len(out), n, metric)
		}
	}
	return out
}

func TestRegisterValidation(t *testing.T) {
	s := New(WithLogger(quietLogger()))

	err := s.Register(Registration{Probe: constant("cpu", 1), Interval: 0})
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrConfig))

	require.NoError(t, s.Register(Registration{Probe: constant("cpu", 1), Interval: time.Second}))

	err = s.Register(Registration{Probe: constant("cpu", 2), Interval: time.Second})
	assert.Error(t, err, "duplicate ids are rejected")

	err = s.Register(Registration{Interval: time.Second})
	assert.Error(t, err)

	assert.Equal(t, []string{"cpu"}, s.MetricIDs())
}

func TestRegisterAfterStartRejected(t *testing.T) {
	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: constant("cpu", 1), Interval: time.Hour}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	err := s.Register(Registration{Probe: constant("mem", 1), Interval: time.Hour})
	assert.Error(t, err)
	assert.Error(t, s.Start(context.Background()), "double start")
}

func TestFailingProbeDoesNotStopSiblings(t *testing.T) {
	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: failing("disk"), Interval: 10 * time.Millisecond}))
	require.NoError(t, s.Register(Registration{Probe: constant("cpu", 42), Interval: 10 * time.Millisecond}))

	sub := s.Subscribe(stream.Options{Buffer: 256, Policy: stream.Block})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	good := collect(t, s.Subscribe(stream.Options{Buffer: 256}), "cpu", 3, 2*time.Second)
	for _, sample := range good {
		assert.True(t, sample.OK)
		assert.Equal(t, 42.0, sample.Value)
		assert.Equal(t, uint(0), sample.Failures)
	}

	bad := collect(t, sub, "disk", 3, 2*time.Second)
	for i, sample := range bad {
		assert.False(t, sample.OK)
		assert.Contains(t, sample.Error, "device unavailable")
		assert.Equal(t, uint(i+1), sample.Failures, "failures increase per consecutive miss")
	}
}

func TestFailuresResetOnSuccess(t *testing.T) {
	p := &fakeProbe{id: "flaky", fn: func(_ context.Context, call int64) (float64, error) {
		if call <= 2 {
			return 0, errors.New("boom")
		}
		return 1, nil
	}}

	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: p, Interval: 10 * time.Millisecond}))
	sub := s.Subscribe(stream.Options{Buffer: 64, Policy: stream.Block})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := collect(t, sub, "flaky", 3, 2*time.Second)
	assert.Equal(t, uint(1), got[0].Failures)
	assert.Equal(t, uint(2), got[1].Failures)
	assert.True(t, got[2].OK)
	assert.Equal(t, uint(0), got[2].Failures)
}

func TestTimeoutAbandonsStuckProbe(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := &fakeProbe{id: "slow", fn: func(context.Context, int64) (float64, error) {
		<-release // ignores its context
		return 1, nil
	}}

	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: stuck, Interval: time.Hour, Timeout: 30 * time.Millisecond}))
	sub := s.Subscribe(stream.Options{Buffer: 8})

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := collect(t, sub, "slow", 1, time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, got[0].OK)
	assert.Contains(t, got[0].Error, "timed out after 30ms")
}

func TestPanicIsRecovered(t *testing.T) {
	p := &fakeProbe{id: "panicky", fn: func(context.Context, int64) (float64, error) {
		panic("nil map")
	}}

	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: p, Interval: 10 * time.Millisecond}))
	sub := s.Subscribe(stream.Options{Buffer: 16})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := collect(t, sub, "panicky", 2, 2*time.Second)
	assert.Contains(t, got[0].Error, "panicked: nil map")
	assert.Equal(t, uint(2), got[1].Failures)
}

func TestSkippedTicksAreCountedNotQueued(t *testing.T) {
	slow := &fakeProbe{id: "slow", fn: func(ctx context.Context, _ int64) (float64, error) {
		time.Sleep(45 * time.Millisecond)
		return 1, nil
	}}

	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: slow, Interval: 10 * time.Millisecond, Timeout: time.Second}))
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	st := s.Stats()["slow"]
	assert.Greater(t, st.Skipped, uint64(5))
	assert.Zero(t, st.CatchUps)
	// each call takes 45ms, so queued ticks would show up as many more calls
	assert.LessOrEqual(t, slow.calls.Load(), int64(8))
}

func TestCatchUpReplaysOnce(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProbe{id: "cu", fn: func(_ context.Context, call int64) (float64, error) {
		if call == 1 {
			<-release
		}
		return float64(call), nil
	}}

	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: p, Interval: 20 * time.Millisecond, Timeout: time.Second, CatchUp: true}))
	sub := s.Subscribe(stream.Options{Buffer: 64, Policy: stream.Block})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	time.Sleep(110 * time.Millisecond) // several ticks pass while call 1 blocks
	close(release)

	got := collect(t, sub, "cu", 2, time.Second)
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, 2.0, got[1].Value)

	st := s.Stats()["cu"]
	assert.GreaterOrEqual(t, st.Skipped, uint64(3))
	assert.Equal(t, uint64(1), st.CatchUps, "multiple skipped ticks replay only once")
}

func TestStopClosesSubscriptionsAndHaltsSamples(t *testing.T) {
	p := constant("cpu", 5)
	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: p, Interval: 5 * time.Millisecond}))
	sub := s.Subscribe(stream.Options{Buffer: 1024})
	require.NoError(t, s.Start(context.Background()))

	collect(t, sub, "cpu", 2, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	// drain whatever was buffered; the channel must be closed
	for range sub.C() {
	}

	time.Sleep(20 * time.Millisecond) // let an abandoned in-flight call land
	calls := p.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, p.calls.Load(), "no invocations after Stop")
}

func TestRestartNeedsNewSubscription(t *testing.T) {
	s := New(WithLogger(quietLogger()))
	require.NoError(t, s.Register(Registration{Probe: constant("cpu", 1), Interval: 10 * time.Millisecond}))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	sub := s.Subscribe(stream.Options{Buffer: 16})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := collect(t, sub, "cpu", 1, time.Second)
	assert.True(t, got[0].OK)
}
