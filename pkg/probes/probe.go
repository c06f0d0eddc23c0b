// Package probes provides the units of measurement sampled by the scheduler:
// local OS resource counters and remote service latency.
package probes

import (
	"context"
	"errors"
	"fmt"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
)

// Probe produces one value per invocation. The scheduler starts one call per
// tick, but a call abandoned at its timeout keeps running and can overlap the
// next one, so implementations must tolerate concurrent calls and calls that
// finish out of order.
type Probe interface {
	ID() string
	Kind() types.ProbeKind
	Unit() types.Unit
	Sample(ctx context.Context) (float64, error)
}

// Pinger is the part of a health checker a ServiceProbe needs.
type Pinger interface {
	Check(ctx context.Context) error
}

// ErrWarmingUp is returned by rate probes until a baseline exists.
var ErrWarmingUp = errors.New("warming up")

// Options select the probe built by New
type Options struct {
	ID        string
	Path      string // disk
	Interface string // network, empty for all interfaces
	Pinger    Pinger // service
}

// New builds a probe of the given kind.
func New(kind types.ProbeKind, opts Options) (Probe, error) {
	if opts.ID == "" {
		opts.ID = string(kind)
	}

	switch kind {
	case types.KindCPU:
		return NewCPUProbe(opts.ID), nil
	case types.KindMemory:
		return NewMemoryProbe(opts.ID), nil
	case types.KindSwap:
		return NewSwapProbe(opts.ID), nil
	case types.KindDisk:
		return NewDiskProbe(opts.ID, opts.Path), nil
	case types.KindDiskIO:
		return NewDiskIOProbe(opts.ID), nil
	case types.KindNetwork:
		return NewNetworkProbe(opts.ID, opts.Interface), nil
	case types.KindLoad:
		return NewLoadProbe(opts.ID), nil
	case types.KindProcs:
		return NewProcsProbe(opts.ID), nil
	case types.KindUptime:
		return NewUptimeProbe(opts.ID), nil
	case types.KindService:
		if opts.Pinger == nil {
			return nil, hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("service probe %s has no checker", opts.ID),
				"Point the metric at a configured service")
		}
		return NewServiceProbe(opts.ID, opts.Pinger), nil
	default:
		return nil, hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("unknown probe kind %q", kind),
			"Use one of: cpu, memory, swap, disk, diskio, network, load, procs, uptime, service")
	}
}

// probeError wraps a collection failure with the PROBE code.
func probeError(id string, err error) error {
	if err == nil {
		return nil
	}
	return hubErrors.Wrap(err, fmt.Sprintf("probe %s", id))
}

func warmingUp(id string) error {
	return hubErrors.Wrap(ErrWarmingUp, fmt.Sprintf("probe %s", id))
}

// round rounds a float64 to n decimal places
func round(val float64, decimals int) float64 {
	shift := float64(1)
	for i := 0; i < decimals; i++ {
		shift *= 10
	}
	return float64(int64(val*shift+0.5)) / shift
}
