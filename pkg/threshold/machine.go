// Package threshold turns samples into alert states and status transitions.
package threshold

import (
	"time"

	"github.com/google/uuid"
	"github.com/instancehub/instancehub/pkg/types"
)

// Machine is the hysteresis state machine of one metric. It is not safe for
// concurrent use; the Evaluator drives each machine from a single goroutine.
type Machine struct {
	cfg    types.ThresholdConfig
	raise  uint
	clear  uint
	state  types.AlertState
	streak [types.StatusCritical + 1]uint // streak[L]: consecutive samples at level >= L
	newID  func() string
}

// NewMachine validates cfg and returns a machine in Normal status.
func NewMachine(cfg types.ThresholdConfig) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:   cfg,
		raise: atLeastOne(cfg.HysteresisBreaches),
		clear: atLeastOne(cfg.ClearBreaches),
		newID: uuid.NewString,
	}, nil
}

// Config returns the thresholds this machine evaluates.
func (m *Machine) Config() types.ThresholdConfig {
	return m.cfg
}

// State returns a copy of the current alert state.
func (m *Machine) State() types.AlertState {
	st := m.state.Clone()
	level := st.Status
	if level < types.StatusWarning {
		level = types.StatusWarning
	}
	st.ConsecutiveBreaches = m.streak[level]
	return st
}

// Level classifies a value against warn and crit levels.
func (m *Machine) Level(v float64) types.Status {
	switch {
	case m.breaches(v, m.cfg.CritLevel):
		return types.StatusCritical
	case m.breaches(v, m.cfg.WarnLevel):
		return types.StatusWarning
	default:
		return types.StatusNormal
	}
}

// Observe feeds one sample and returns the transitions it caused, in order.
// Failed samples leave status and counters untouched and mark the state stale.
func (m *Machine) Observe(s types.Sample) []types.Alert {
	if !s.OK {
		m.state.Stale = true
		return nil
	}
	m.state.Stale = false
	m.state.LastValue = s.Value

	level := m.Level(s.Value)
	for l := types.StatusWarning; l <= types.StatusCritical; l++ {
		if level >= l {
			m.streak[l]++
		} else {
			m.streak[l] = 0
		}
	}

	current := m.state.Status
	target := current
	for l := types.StatusCritical; l > current; l-- {
		if m.streak[l] >= m.raise {
			target = l
			break
		}
	}

	var alerts []types.Alert

	switch {
	case target > current:
		for next := current + 1; next <= target; next++ {
			alerts = append(alerts, m.transition(next, s))
		}
		m.state.ConsecutiveClears = 0

	case current > types.StatusNormal:
		if level >= current {
			m.state.ConsecutiveClears = 0
			break
		}
		m.state.ConsecutiveClears++
		if m.state.ConsecutiveClears >= m.clear {
			alerts = append(alerts, m.transition(current-1, s))
			m.state.ConsecutiveClears = 0
		}

	default:
		// Normal: clean samples keep counting, a breach restarts the count
		if level > types.StatusNormal {
			m.state.ConsecutiveClears = 0
		} else {
			m.state.ConsecutiveClears++
		}
	}

	return alerts
}

func (m *Machine) transition(to types.Status, s types.Sample) types.Alert {
	from := m.state.Status
	m.state.Status = to

	if to == types.StatusNormal {
		m.state.RaisedAt = nil
	} else {
		at := s.Timestamp
		m.state.RaisedAt = &at
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return types.Alert{
		ID:        m.newID(),
		MetricID:  m.cfg.MetricID,
		From:      from,
		To:        to,
		Value:     s.Value,
		Timestamp: ts,
	}
}

func (m *Machine) breaches(v, level float64) bool {
	if m.cfg.Direction == types.DirectionBelow {
		return v <= level
	}
	return v >= level
}

func atLeastOne(n uint) uint {
	if n == 0 {
		return 1
	}
	return n
}
