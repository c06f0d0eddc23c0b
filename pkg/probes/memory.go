package probes

import (
	"context"
	"fmt"

	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe reports used virtual memory in percent
type MemoryProbe struct {
	id      string
	virtual func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryProbe creates a memory probe backed by gopsutil
func NewMemoryProbe(id string) *MemoryProbe {
	return &MemoryProbe{id: id, virtual: mem.VirtualMemoryWithContext}
}

func (p *MemoryProbe) ID() string { return p.id }
func (p *MemoryProbe) Kind() types.ProbeKind { return types.KindMemory }
func (p *MemoryProbe) Unit() types.Unit { return types.UnitPercent }

// Sample reads the current memory usage.
func (p *MemoryProbe) Sample(ctx context.Context) (float64, error) {
	v, err := p.virtual(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}
	return round(v.UsedPercent, 2), nil
}

// SwapProbe reports used swap in percent. Hosts without swap report 0.
type SwapProbe struct {
	id   string
	swap func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

// NewSwapProbe creates a swap probe backed by gopsutil
func NewSwapProbe(id string) *SwapProbe {
	return &SwapProbe{id: id, swap: mem.SwapMemoryWithContext}
}

func (p *SwapProbe) ID() string { return p.id }
func (p *SwapProbe) Kind() types.ProbeKind { return types.KindSwap }
func (p *SwapProbe) Unit() types.Unit { return types.UnitPercent }

// Sample reads the current swap usage.
func (p *SwapProbe) Sample(ctx context.Context) (float64, error) {
	s, err := p.swap(ctx)
	if err != nil {
		return 0, probeError(p.id, err)
	}
	if s.Total == 0 {
		return 0, nil
	}
	return round(s.UsedPercent, 2), nil
}

// DiskProbe reports used space of one filesystem in percent
type DiskProbe struct {
	id    string
	path  string
	usage func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewDiskProbe creates a disk probe for the filesystem containing path.
// An empty path means the root filesystem.
func NewDiskProbe(id, path string) *DiskProbe {
	if path == "" {
		path = "/"
	}
	return &DiskProbe{id: id, path: path, usage: disk.UsageWithContext}
}

func (p *DiskProbe) ID() string { return p.id }
func (p *DiskProbe) Kind() types.ProbeKind { return types.KindDisk }
func (p *DiskProbe) Unit() types.Unit { return types.UnitPercent }

// Path returns the monitored mount path.
func (p *DiskProbe) Path() string { return p.path }

// Sample reads the current filesystem usage.
func (p *DiskProbe) Sample(ctx context.Context) (float64, error) {
	u, err := p.usage(ctx, p.path)
	if err != nil {
		return 0, probeError(p.id, fmt.Errorf("usage of %s: %w", p.path, err))
	}
	return round(u.UsedPercent, 2), nil
}

var (
	_ Probe = (*MemoryProbe)(nil)
	_ Probe = (*SwapProbe)(nil)
	_ Probe = (*DiskProbe)(nil)
)
