package probes

import (
	"context"
	"time"

	"github.com/instancehub/instancehub/pkg/types"
)

// ServiceProbe turns a health checker into a metric: the value is the
// round-trip latency of one check in milliseconds. A failed check is a
// failed sample, never a value.
type ServiceProbe struct {
	id     string
	pinger Pinger
	now    func() time.Time
}

// NewServiceProbe wraps a checker as a latency probe
func NewServiceProbe(id string, pinger Pinger) *ServiceProbe {
	return &ServiceProbe{id: id, pinger: pinger, now: time.Now}
}

func (p *ServiceProbe) ID() string { return p.id }
func (p *ServiceProbe) Kind() types.ProbeKind { return types.KindService }
func (p *ServiceProbe) Unit() types.Unit { return types.UnitMilliseconds }

// Sample runs one check and measures it.
func (p *ServiceProbe) Sample(ctx context.Context) (float64, error) {
	start := p.now()
	if err := p.pinger.Check(ctx); err != nil {
		return 0, probeError(p.id, err)
	}
	elapsed := p.now().Sub(start)
	return round(float64(elapsed)/float64(time.Millisecond), 3), nil
}

var _ Probe = (*ServiceProbe)(nil)
