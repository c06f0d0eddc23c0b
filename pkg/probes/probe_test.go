package probes

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err   error
	delay time.Duration
}

func (f *fakePinger) Check(ctx context.Context) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		kind types.ProbeKind
		unit types.Unit
	}{
		{types.KindCPU, types.UnitPercent},
		{types.KindMemory, types.UnitPercent},
		{types.KindSwap, types.UnitPercent},
		{types.KindDisk, types.UnitPercent},
		{types.KindDiskIO, types.UnitBytesPerSec},
		{types.KindNetwork, types.UnitBytesPerSec},
		{types.KindLoad, types.UnitCount},
		{types.KindProcs, types.UnitCount},
		{types.KindUptime, types.UnitSeconds},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := New(tt.kind, Options{})
			require.NoError(t, err)
			assert.Equal(t, string(tt.kind), p.ID())
			assert.Equal(t, tt.kind, p.Kind())
			assert.Equal(t, tt.unit, p.Unit())
		})
	}
}

func TestNewFactoryErrors(t *testing.T) {
	_, err := New("gpu", Options{ID: "gpu0"})
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrConfig))

	_, err = New(types.KindService, Options{ID: "cache"})
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrConfig))

	p, err := New(types.KindService, Options{ID: "cache", Pinger: &fakePinger{}})
	require.NoError(t, err)
	assert.Equal(t, types.UnitMilliseconds, p.Unit())
}

func TestCPUProbeDelta(t *testing.T) {
	readings := [][]cpu.TimesStat{
		{{User: 10, Idle: 90}},
		{{User: 40, Idle: 160}}, // +30 busy, +70 idle
	}
	call := 0

	p := NewCPUProbe("cpu")
	p.isDarwin = false
	p.times = func(ctx context.Context) ([]cpu.TimesStat, error) {
		r := readings[call]
		call++
		return r, nil
	}

	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, v) // since boot

	v, err = p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
}

func TestCPUProbeError(t *testing.T) {
	p := NewCPUProbe("cpu")
	p.isDarwin = false
	p.times = func(ctx context.Context) ([]cpu.TimesStat, error) {
		return nil, errors.New("proc not mounted")
	}

	_, err := p.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrProbe))
	assert.Contains(t, hubErrors.Summary(err), "proc not mounted")
}

func TestParseTopCPU(t *testing.T) {
	out := "Processes: 400 total\nCPU usage: 14.86% user, 8.41% sys, 76.71% idle\n"
	v, err := parseTopCPU(out)
	require.NoError(t, err)
	assert.InDelta(t, 23.27, v, 0.001)

	_, err = parseTopCPU("garbage")
	assert.Error(t, err)
}

func TestMemoryAndSwap(t *testing.T) {
	m := NewMemoryProbe("memory")
	m.virtual = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 42.123}, nil
	}
	v, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.12, v)

	s := NewSwapProbe("swap")
	s.swap = func(ctx context.Context) (*mem.SwapMemoryStat, error) {
		return &mem.SwapMemoryStat{Total: 0, UsedPercent: 99}, nil
	}
	v, err = s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, v, "hosts without swap report zero")
}

func TestDiskProbe(t *testing.T) {
	d := NewDiskProbe("disk", "")
	assert.Equal(t, "/", d.Path())

	d.usage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return nil, errors.New("permission denied")
	}
	_, err := d.Sample(context.Background())
	require.Error(t, err)
	assert.Contains(t, hubErrors.Summary(err), "usage of /")
}

func TestNetworkProbeWarmsUpThenRates(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	totals := []uint64{1000, 3000, 500}
	clock := []time.Time{start, start.Add(2 * time.Second), start.Add(3 * time.Second)}
	call := 0

	p := NewNetworkProbe("net", "eth0")
	p.counters = func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error) {
		assert.True(t, pernic)
		return []net.IOCountersStat{
			{Name: "lo", BytesSent: 1 << 40},
			{Name: "eth0", BytesSent: totals[call-1] / 2, BytesRecv: totals[call-1] - totals[call-1]/2},
		}, nil
	}
	p.now = func() time.Time {
		now := clock[call]
		call++
		return now
	}

	_, err := p.Sample(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWarmingUp)

	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	// counter reset re-baselines
	_, err = p.Sample(context.Background())
	assert.ErrorIs(t, err, ErrWarmingUp)
}

func TestRateCellDropsOvertakenReading(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var c rateCell

	_, err := c.observe(1000, start)
	assert.ErrorIs(t, err, ErrWarmingUp)

	v, err := c.observe(3000, start.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	// an abandoned call started between the two readings lands late
	_, err = c.observe(2000, start.Add(time.Second))
	assert.ErrorIs(t, err, errOvertaken)

	// the baseline is still the newer reading
	v, err = c.observe(4000, start.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)
}

func TestDiskIOProbeLateReadingKeepsBaseline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewDiskIOProbe("diskio")

	var total uint64
	p.counters = func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error) {
		return map[string]disk.IOCountersStat{"sda": {ReadBytes: total}}, nil
	}
	at := start
	p.now = func() time.Time { return at }

	total = 0
	_, err := p.Sample(context.Background())
	assert.ErrorIs(t, err, ErrWarmingUp)

	at, total = start.Add(2*time.Second), 2048
	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1024.0, v)

	at, total = start.Add(time.Second), 1024
	_, err = p.Sample(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWarmingUp)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrProbe))
}

func TestNetworkProbeUnknownInterface(t *testing.T) {
	p := NewNetworkProbe("net", "wlan9")
	p.counters = func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error) {
		return []net.IOCountersStat{{Name: "eth0"}}, nil
	}
	_, err := p.Sample(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWarmingUp)
}

func TestDiskIOProbe(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0

	p := NewDiskIOProbe("diskio")
	p.counters = func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error) {
		n := uint64(step) * 4096
		return map[string]disk.IOCountersStat{
			"sda": {ReadBytes: n, WriteBytes: n},
			"sdb": {ReadBytes: n},
		}, nil
	}
	p.now = func() time.Time {
		now := start.Add(time.Duration(step) * time.Second)
		step++
		return now
	}

	_, err := p.Sample(context.Background())
	assert.ErrorIs(t, err, ErrWarmingUp)

	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*4096.0, v)
}

func TestServiceProbe(t *testing.T) {
	p := NewServiceProbe("cache", &fakePinger{})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []time.Time{start, start.Add(1500 * time.Microsecond)}
	i := 0
	p.now = func() time.Time {
		now := ticks[i]
		i++
		return now
	}

	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	failing := NewServiceProbe("cache", &fakePinger{err: errors.New("connection refused")})
	_, err = failing.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrProbe))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 12.35, round(12.346, 2))
	assert.Equal(t, 0.0, round(0.0001, 2))
}

func TestHostProbes(t *testing.T) {
	l := NewLoadProbe("load")
	l.avg = func(ctx context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 1.234, Load5: 9, Load15: 9}, nil
	}
	v, err := l.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.23, v)

	pr := NewProcsProbe("procs")
	pr.pids = func(ctx context.Context) ([]int32, error) { return []int32{1, 2, 3}, nil }
	v, err = pr.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	u := NewUptimeProbe("uptime")
	u.uptime = func(ctx context.Context) (uint64, error) { return 0, errors.New("not implemented yet") }
	_, err = u.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrProbe))
}

func TestSortProcesses(t *testing.T) {
	list := []ProcessInfo{
		{PID: 3, Name: "db", CPUPercent: 5, MemPercent: 40},
		{PID: 1, Name: "init", CPUPercent: 0.1, MemPercent: 0.2},
		{PID: 2, Name: "web", CPUPercent: 30, MemPercent: 10},
		{PID: 4, Name: "cron", CPUPercent: 5, MemPercent: 1},
	}

	byCPU := SortProcesses(append([]ProcessInfo(nil), list...), SortByCPU, 3)
	require.Len(t, byCPU, 3)
	assert.Equal(t, []int32{2, 3, 4}, []int32{byCPU[0].PID, byCPU[1].PID, byCPU[2].PID})

	byMem := SortProcesses(append([]ProcessInfo(nil), list...), SortByMemory, 0)
	require.Len(t, byMem, 4)
	assert.Equal(t, "db", byMem[0].Name)
	assert.Equal(t, "init", byMem[3].Name)
}

func TestTopProcessesIncludesSelf(t *testing.T) {
	list, err := TopProcesses(context.Background(), SortByCPU, 0)
	require.NoError(t, err)

	found := false
	for _, p := range list {
		if p.PID == int32(os.Getpid()) {
			found = true
		}
	}
	assert.True(t, found)

	_, err = TopProcesses(context.Background(), "disk", 5)
	require.Error(t, err)
	assert.True(t, hubErrors.IsCode(err, hubErrors.ErrConfig))
}
