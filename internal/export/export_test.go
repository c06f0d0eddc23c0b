package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	hubRedis "github.com/instancehub/instancehub/internal/redis"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	mu        sync.Mutex
	sets      []setCall
	published map[string][][]byte
	err       error
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, setCall{key: key, value: value.([]byte), ttl: ttl})
	return redis.NewStatusResult("OK", f.err)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, f.err)
}

func testSnapshot() types.Snapshot {
	latency := 2 * time.Millisecond
	return types.Snapshot{
		Seq:       3,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Samples: map[string]types.Sample{
			"cpu":  {MetricID: "cpu", Value: 42.5, Unit: types.UnitPercent, OK: true},
			"disk": types.NotSampled("disk"),
		},
		Alerts: map[string]types.AlertState{
			"cpu": {Status: types.StatusWarning},
		},
		HealthReports: map[string]types.HealthReport{
			"cache": {ServiceID: "cache", Kind: "redis", Reachable: true, Latency: &latency},
			"db":    types.NotChecked("db", "postgres"),
		},
	}
}

func TestRedisPublisherStoresSnapshot(t *testing.T) {
	fr := &fakeRedis{}
	p := NewRedisPublisher(fr, WithKey("hub:snap"), WithTTL(time.Minute), WithLogger(quietLogger()))

	require.NoError(t, p.PublishSnapshot(context.Background(), testSnapshot()))
	require.Len(t, fr.sets, 1)
	assert.Equal(t, "hub:snap", fr.sets[0].key)
	assert.Equal(t, time.Minute, fr.sets[0].ttl)

	var got types.Snapshot
	require.NoError(t, json.Unmarshal(fr.sets[0].value, &got))
	assert.Equal(t, uint64(3), got.Seq)
	assert.Equal(t, 42.5, got.Samples["cpu"].Value)
	assert.Equal(t, types.StatusWarning, got.Alerts["cpu"].Status)
}

func TestRedisPublisherAlerts(t *testing.T) {
	fr := &fakeRedis{}
	p := NewRedisPublisher(fr, WithLogger(quietLogger()))
	assert.Equal(t, "instancehub:snapshot:alerts", p.AlertChannel())

	a := types.Alert{ID: "a1", MetricID: "cpu", From: types.StatusNormal, To: types.StatusWarning, Value: 85}
	require.NoError(t, p.PublishAlert(context.Background(), a))

	msgs := fr.published[p.AlertChannel()]
	require.Len(t, msgs, 1)
	var got types.Alert
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, types.StatusWarning, got.To)
}

func TestRedisPublisherErrorsAreExportErrors(t *testing.T) {
	fr := &fakeRedis{err: errors.New("connection refused")}
	p := NewRedisPublisher(fr, WithLogger(quietLogger()))

	err := p.PublishSnapshot(context.Background(), testSnapshot())
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrExport))
	err = p.PublishAlert(context.Background(), types.Alert{MetricID: "cpu"})
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrExport))
}

func TestRedisPublisherRunSurvivesFailures(t *testing.T) {
	fr := &fakeRedis{err: errors.New("down")}
	p := NewRedisPublisher(fr, WithLogger(quietLogger()))

	snaps := make(chan types.Snapshot, 2)
	alerts := make(chan types.Alert, 1)
	snaps <- testSnapshot()
	snaps <- testSnapshot()
	alerts <- types.Alert{MetricID: "cpu"}
	close(snaps)
	close(alerts)

	p.Run(context.Background(), snaps, alerts)
	assert.Len(t, fr.sets, 2)
	assert.Len(t, fr.published[p.AlertChannel()], 1)
}

func TestRedisPublisherUnreachableServer(t *testing.T) {
	client, err := hubRedis.NewClientLazy("redis://127.0.0.1:1", 200*time.Millisecond)
	require.NoError(t, err)
	defer client.Close()

	p := NewRedisPublisher(client, WithLogger(quietLogger()))
	err = p.PublishSnapshot(context.Background(), testSnapshot())
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrExport))
}

func TestPromExporterObserve(t *testing.T) {
	e := NewPromExporter(quietLogger())
	e.Observe(testSnapshot())

	assert.Equal(t, 42.5, testutil.ToFloat64(e.sampleValue.WithLabelValues("cpu", "percent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.sampleOK.WithLabelValues("cpu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.sampleOK.WithLabelValues("disk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.alertStatus.WithLabelValues("cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reachable.WithLabelValues("cache", "redis")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.reachable.WithLabelValues("db", "postgres")))
	assert.Equal(t, 0.002, testutil.ToFloat64(e.serviceLatency.WithLabelValues("cache", "redis")))

	e.ObserveAlert(types.Alert{MetricID: "cpu", To: types.StatusCritical})
	e.ObserveAlert(types.Alert{MetricID: "cpu", To: types.StatusCritical})
	assert.Equal(t, 2.0, testutil.ToFloat64(e.alertsTotal.WithLabelValues("cpu", "critical")))
}

func TestPromExporterHandler(t *testing.T) {
	e := NewPromExporter(quietLogger())

	snaps := make(chan types.Snapshot, 1)
	snaps <- testSnapshot()
	close(snaps)
	e.Run(context.Background(), snaps, nil)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `instancehub_sample_value{metric="cpu",unit="percent"} 42.5`)
	assert.Contains(t, body, `instancehub_service_reachable{kind="redis",service="cache"} 1`)
}

func TestPromExporterServeStopsWithContext(t *testing.T) {
	e := NewPromExporter(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
