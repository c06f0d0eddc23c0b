package probes

import (
	"context"
	"fmt"
	"sort"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSort selects the column TopProcesses orders by
type ProcessSort string

const (
	SortByCPU    ProcessSort = "cpu"
	SortByMemory ProcessSort = "memory"
)

// ProcessInfo is one row of a process listing
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpuPercent"` // average over the process lifetime
	MemPercent float64 `json:"memPercent"`
	RSS        uint64  `json:"rss"`
}

// TopProcesses lists the limit busiest processes. Processes that exit or
// deny access while being read are skipped. limit <= 0 returns all of them.
func TopProcesses(ctx context.Context, by ProcessSort, limit int) ([]ProcessInfo, error) {
	if by != SortByCPU && by != SortByMemory {
		return nil, hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("unknown process sort %q", by), "Sort by cpu or memory")
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, hubErrors.Wrap(err, "list processes")
	}

	list := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, ok := readProcess(ctx, p)
		if ok {
			list = append(list, info)
		}
	}
	return SortProcesses(list, by, limit), nil
}

func readProcess(ctx context.Context, p *process.Process) (ProcessInfo, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, false
	}
	info := ProcessInfo{PID: p.Pid, Name: name}
	if v, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = round(v, 1)
	}
	if v, err := p.MemoryPercentWithContext(ctx); err == nil {
		info.MemPercent = round(float64(v), 1)
	}
	if m, err := p.MemoryInfoWithContext(ctx); err == nil {
		info.RSS = m.RSS
	}
	return info, true
}

// SortProcesses orders list busiest first, ties by pid, and truncates it to
// limit when positive. It sorts in place.
func SortProcesses(list []ProcessInfo, by ProcessSort, limit int) []ProcessInfo {
	key := func(p ProcessInfo) float64 { return p.CPUPercent }
	if by == SortByMemory {
		key = func(p ProcessInfo) float64 { return p.MemPercent }
	}
	sort.SliceStable(list, func(i, j int) bool {
		ki, kj := key(list[i]), key(list[j])
		if ki != kj {
			return ki > kj
		}
		return list[i].PID < list[j].PID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
