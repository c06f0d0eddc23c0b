// probe-once samples every local probe kind once and prints the values along
// with this process's own footprint. Useful for checking what gopsutil can
// read on a new host before running the monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/instancehub/instancehub/internal/ui"
	"github.com/instancehub/instancehub/pkg/probes"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/shirou/gopsutil/v3/process"
)

// Rate probes need two readings, so everything is sampled twice this far apart
const baselineGap = time.Second

var kinds = []types.ProbeKind{
	types.KindCPU,
	types.KindMemory,
	types.KindSwap,
	types.KindDisk,
	types.KindDiskIO,
	types.KindNetwork,
	types.KindLoad,
	types.KindProcs,
	types.KindUptime,
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list := make([]probes.Probe, 0, len(kinds))
	for _, k := range kinds {
		p, err := probes.New(k, probes.Options{Path: "/"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building %s probe: %v\n", k, err)
			os.Exit(1)
		}
		list = append(list, p)
	}

	for _, p := range list {
		_, _ = p.Sample(ctx)
	}
	time.Sleep(baselineGap)

	failed := 0
	for _, p := range list {
		v, err := p.Sample(ctx)
		if err != nil {
			if !errors.Is(err, probes.ErrWarmingUp) {
				failed++
			}
			fmt.Printf("%-8s error: %v\n", p.ID(), err)
			continue
		}
		fmt.Printf("%-8s %s\n", p.ID(), ui.FormatValue(v, p.Unit()))
	}

	self, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if mem, err := self.MemoryInfo(); err == nil {
			fmt.Printf("\nself rss %s, vms %s\n", humanize.IBytes(mem.RSS), humanize.IBytes(mem.VMS))
		}
		if pct, err := self.CPUPercent(); err == nil {
			fmt.Printf("self cpu %.1f%%\n", pct)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
