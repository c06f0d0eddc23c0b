package threshold

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsDuplicatesAndInvalid(t *testing.T) {
	_, err := New([]types.ThresholdConfig{cpuConfig(), cpuConfig()})
	assert.Error(t, err)

	bad := cpuConfig()
	bad.Direction = "sideways"
	_, err = New([]types.ThresholdConfig{bad})
	assert.Error(t, err)
}

func TestProcessPairsSampleWithState(t *testing.T) {
	e, err := New([]types.ThresholdConfig{cpuConfig()}, WithLogger(quietLogger()))
	require.NoError(t, err)

	var ev Evaluation
	for _, v := range []float64{85, 85, 85} {
		ev = e.Process(types.Sample{MetricID: "cpu", Value: v, OK: true, Timestamp: base})
	}
	assert.Equal(t, 85.0, ev.Sample.Value)
	assert.Equal(t, types.StatusWarning, ev.State.Status)
	require.Len(t, ev.Alerts, 1)

	assert.Equal(t, types.StatusWarning, e.States()["cpu"].Status)
}

func TestMetricWithoutThresholdStaysNormal(t *testing.T) {
	e, err := New(nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	ev := e.Process(types.Sample{MetricID: "net", Value: 1e9, OK: true})
	assert.Equal(t, types.StatusNormal, ev.State.Status)
	assert.Equal(t, 1e9, ev.State.LastValue)
	assert.Empty(t, ev.Alerts)

	ev = e.Process(types.Sample{MetricID: "net", OK: false})
	assert.True(t, ev.State.Stale)
	assert.Equal(t, 1e9, ev.State.LastValue)
}

func TestRunPublishesEvaluationsAndAlerts(t *testing.T) {
	e, err := New([]types.ThresholdConfig{cpuConfig()}, WithLogger(quietLogger()))
	require.NoError(t, err)

	evals := e.Subscribe(stream.Options{Buffer: 16, Policy: stream.Block})
	alerts := e.SubscribeAlerts(stream.Options{Buffer: 16, Policy: stream.Block})

	in := make(chan types.Sample)
	require.NoError(t, e.Start(context.Background(), in))

	for _, v := range []float64{96, 96, 96} {
		in <- types.Sample{MetricID: "cpu", Value: v, OK: true, Timestamp: base}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-evals.C():
			assert.Equal(t, "cpu", ev.Sample.MetricID)
		case <-time.After(time.Second):
			t.Fatal("missing evaluation")
		}
	}

	var got []types.Alert
	for len(got) < 2 {
		select {
		case a := <-alerts.C():
			got = append(got, a)
		case <-time.After(time.Second):
			t.Fatal("missing alert")
		}
	}
	assert.Equal(t, types.StatusWarning, got[0].To)
	assert.Equal(t, types.StatusCritical, got[1].To)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	_, open := <-evals.C()
	assert.False(t, open, "subscriptions close on stop")
}

func TestRunEndsWhenInputCloses(t *testing.T) {
	e, err := New(nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	in := make(chan types.Sample)
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), in)
		close(done)
	}()

	close(in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
