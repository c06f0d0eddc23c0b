package probes

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUProbe reports system-wide CPU usage in percent, computed from the
// busy/idle delta between two consecutive calls.
type CPUProbe struct {
	mu       sync.Mutex
	id       string
	times    func(ctx context.Context) ([]cpu.TimesStat, error)
	last     cpu.TimesStat
	hasLast  bool
	isDarwin bool
}

// NewCPUProbe creates a CPU probe backed by gopsutil
func NewCPUProbe(id string) *CPUProbe {
	return &CPUProbe{
		id: id,
		times: func(ctx context.Context) ([]cpu.TimesStat, error) {
			return cpu.TimesWithContext(ctx, false)
		},
		isDarwin: runtime.GOOS == "darwin",
	}
}

func (p *CPUProbe) ID() string { return p.id }
func (p *CPUProbe) Kind() types.ProbeKind { return types.KindCPU }
func (p *CPUProbe) Unit() types.Unit { return types.UnitPercent }

// Sample returns usage since the previous call. The first call reports the
// average since boot.
func (p *CPUProbe) Sample(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	times, err := p.times(ctx)
	if err != nil || len(times) == 0 {
		if p.isDarwin {
			// Fallback for Darwin when CGO is disabled or cpu.Times fails
			if val, derr := darwinSystemCPU(ctx); derr == nil {
				return val, nil
			}
		}
		if err == nil {
			err = fmt.Errorf("no cpu times reported")
		}
		return 0, probeError(p.id, err)
	}

	current := times[0]
	base := cpu.TimesStat{}
	if p.hasLast {
		base = p.last
	}
	p.last = current
	p.hasLast = true

	deltaTotal := current.Total() - base.Total()
	deltaIdle := (current.Idle + current.Iowait) - (base.Idle + base.Iowait)
	if deltaTotal <= 0 {
		return 0, nil
	}

	pct := 100 * (deltaTotal - deltaIdle) / deltaTotal
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return round(pct, 2), nil
}

// darwinSystemCPU parses 'top' output on macOS
func darwinSystemCPU(ctx context.Context) (float64, error) {
	// Output format: "CPU usage: 12.34% user, 5.67% sys, 81.99% idle"
	out, err := exec.CommandContext(ctx, "top", "-l", "1", "-n", "0").Output()
	if err != nil {
		return 0, err
	}
	return parseTopCPU(string(out))
}

func parseTopCPU(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "CPU usage:") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}

		userPart := strings.TrimSpace(strings.TrimPrefix(parts[0], "CPU usage:"))
		userVal := 0.0
		fmt.Sscanf(userPart, "%f%%", &userVal)

		sysPart := strings.TrimSpace(parts[1])
		sysVal := 0.0
		fmt.Sscanf(sysPart, "%f%%", &sysVal)

		return round(userVal+sysVal, 2), nil
	}
	return 0, fmt.Errorf("could not parse top output")
}

var _ Probe = (*CPUProbe)(nil)
