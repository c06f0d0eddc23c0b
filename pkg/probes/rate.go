package probes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

// errOvertaken marks a reading that finished after a newer one. It happens
// when the scheduler abandoned a slow call and the next tick already ran.
var errOvertaken = errors.New("reading overtaken by a newer one")

// rateCell turns a monotonically increasing byte counter into bytes/sec.
// It is private to one probe. now must be taken before the counters are
// read so that a late reading carries its real age.
type rateCell struct {
	mu   sync.Mutex
	last uint64
	at   time.Time
	ok   bool
}

// observe records total at now and returns the rate since the previous
// observation. It returns ErrWarmingUp while there is no usable baseline (the
// first call, a counter reset) and errOvertaken, leaving the baseline alone,
// for a reading older than the one already recorded.
func (c *rateCell) observe(total uint64, now time.Time) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && !now.After(c.at) {
		return 0, errOvertaken
	}

	prev, prevAt, had := c.last, c.at, c.ok
	c.last, c.at, c.ok = total, now, true

	if !had || total < prev {
		return 0, ErrWarmingUp
	}
	return round(float64(total-prev)/now.Sub(prevAt).Seconds(), 2), nil
}

func (c *rateCell) sample(id string, total uint64, now time.Time) (float64, error) {
	rate, err := c.observe(total, now)
	switch {
	case errors.Is(err, ErrWarmingUp):
		return 0, warmingUp(id)
	case err != nil:
		return 0, probeError(id, err)
	}
	return rate, nil
}

// ============================================
// Network
// ============================================

// NetworkProbe reports combined sent+received throughput in bytes/sec
type NetworkProbe struct {
	id       string
	iface    string
	counters func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error)
	now      func() time.Time
	cell     rateCell
}

// NewNetworkProbe creates a network probe. An empty iface sums all interfaces.
func NewNetworkProbe(id, iface string) *NetworkProbe {
	return &NetworkProbe{
		id:       id,
		iface:    iface,
		counters: net.IOCountersWithContext,
		now:      time.Now,
	}
}

func (p *NetworkProbe) ID() string { return p.id }
func (p *NetworkProbe) Kind() types.ProbeKind { return types.KindNetwork }
func (p *NetworkProbe) Unit() types.Unit { return types.UnitBytesPerSec }

// Sample returns throughput since the previous call. The first call only
// records the baseline and fails with ErrWarmingUp.
func (p *NetworkProbe) Sample(ctx context.Context) (float64, error) {
	now := p.now()
	stats, err := p.counters(ctx, p.iface != "")
	if err != nil {
		return 0, probeError(p.id, err)
	}

	var total uint64
	found := false
	for _, s := range stats {
		if p.iface != "" && s.Name != p.iface {
			continue
		}
		total += s.BytesSent + s.BytesRecv
		found = true
	}
	if !found {
		return 0, probeError(p.id, fmt.Errorf("interface %q not found", p.iface))
	}

	return p.cell.sample(p.id, total, now)
}

// ============================================
// Disk I/O
// ============================================

// DiskIOProbe reports combined read+write throughput of all disks in bytes/sec
type DiskIOProbe struct {
	id       string
	counters func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error)
	now      func() time.Time
	cell     rateCell
}

// NewDiskIOProbe creates a disk I/O probe backed by gopsutil
func NewDiskIOProbe(id string) *DiskIOProbe {
	return &DiskIOProbe{
		id:       id,
		counters: disk.IOCountersWithContext,
		now:      time.Now,
	}
}

func (p *DiskIOProbe) ID() string { return p.id }
func (p *DiskIOProbe) Kind() types.ProbeKind { return types.KindDiskIO }
func (p *DiskIOProbe) Unit() types.Unit { return types.UnitBytesPerSec }

// Sample returns throughput since the previous call. The first call only
// records the baseline and fails with ErrWarmingUp.
func (p *DiskIOProbe) Sample(ctx context.Context) (float64, error) {
	now := p.now()
	stats, err := p.counters(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}

	var total uint64
	for _, s := range stats {
		total += s.ReadBytes + s.WriteBytes
	}

	return p.cell.sample(p.id, total, now)
}

var (
	_ Probe = (*NetworkProbe)(nil)
	_ Probe = (*DiskIOProbe)(nil)
)
