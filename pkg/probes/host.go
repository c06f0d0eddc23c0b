package probes

import (
	"context"

	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// LoadProbe reports the 1-minute load average. Hosts without load averages
// (Windows) fail every sample.
type LoadProbe struct {
	id  string
	avg func(ctx context.Context) (*load.AvgStat, error)
}

// NewLoadProbe creates a load average probe backed by gopsutil
func NewLoadProbe(id string) *LoadProbe {
	return &LoadProbe{id: id, avg: load.AvgWithContext}
}

func (p *LoadProbe) ID() string { return p.id }
func (p *LoadProbe) Kind() types.ProbeKind { return types.KindLoad }
func (p *LoadProbe) Unit() types.Unit { return types.UnitCount }

func (p *LoadProbe) Sample(ctx context.Context) (float64, error) {
	a, err := p.avg(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}
	return round(a.Load1, 2), nil
}

// ProcsProbe reports how many processes exist
type ProcsProbe struct {
	id   string
	pids func(ctx context.Context) ([]int32, error)
}

// NewProcsProbe creates a process count probe backed by gopsutil
func NewProcsProbe(id string) *ProcsProbe {
	return &ProcsProbe{id: id, pids: process.PidsWithContext}
}

func (p *ProcsProbe) ID() string { return p.id }
func (p *ProcsProbe) Kind() types.ProbeKind { return types.KindProcs }
func (p *ProcsProbe) Unit() types.Unit { return types.UnitCount }

func (p *ProcsProbe) Sample(ctx context.Context) (float64, error) {
	pids, err := p.pids(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}
	return float64(len(pids)), nil
}

// UptimeProbe reports seconds since boot
type UptimeProbe struct {
	id     string
	uptime func(ctx context.Context) (uint64, error)
}

// NewUptimeProbe creates an uptime probe backed by gopsutil
func NewUptimeProbe(id string) *UptimeProbe {
	return &UptimeProbe{id: id, uptime: host.UptimeWithContext}
}

func (p *UptimeProbe) ID() string { return p.id }
func (p *UptimeProbe) Kind() types.ProbeKind { return types.KindUptime }
func (p *UptimeProbe) Unit() types.Unit { return types.UnitSeconds }

func (p *UptimeProbe) Sample(ctx context.Context) (float64, error) {
	s, err := p.uptime(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}
	return float64(s), nil
}

var (
	_ Probe = (*LoadProbe)(nil)
	_ Probe = (*ProcsProbe)(nil)
	_ Probe = (*UptimeProbe)(nil)
)
