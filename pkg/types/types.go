// Package types defines the values exchanged between the monitoring engine's
// components and its consumers. Everything here is plain data: copies are
// safe to hand across goroutines.
package types

import (
	"fmt"
	"math"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
)

// NotSampledMarker is the Sample.Error of a registered metric that has not
// produced a sample yet.
const NotSampledMarker = "not yet sampled"

// NotCheckedMarker is the HealthReport.LastError of a registered service that
// has not been checked yet.
const NotCheckedMarker = "not yet checked"

// ProbeKind identifies the measurement a probe performs
type ProbeKind string

const (
	KindCPU     ProbeKind = "cpu"
	KindMemory  ProbeKind = "memory"
	KindSwap    ProbeKind = "swap"
	KindDisk    ProbeKind = "disk"
	KindDiskIO  ProbeKind = "diskio"
	KindNetwork ProbeKind = "network"
	KindLoad    ProbeKind = "load"   // 1-minute load average
	KindProcs   ProbeKind = "procs"  // process count
	KindUptime  ProbeKind = "uptime" // seconds since boot
	KindService ProbeKind = "service"
)

// Unit of a sample value
type Unit string

const (
	UnitPercent      Unit = "percent"
	UnitBytes        Unit = "bytes"
	UnitBytesPerSec  Unit = "bytesPerSec"
	UnitMilliseconds Unit = "milliseconds"
	UnitBoolean      Unit = "boolean"
	UnitCount        Unit = "count"
	UnitSeconds      Unit = "seconds"
)

// Sample is one measurement result. When OK is false, Value is unknown and
// must not be compared against thresholds.
type Sample struct {
	MetricID  string    `json:"metricId"`
	Value     float64   `json:"value"`
	Unit      Unit      `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Failures  uint      `json:"failures,omitempty"` // consecutive failures, 0 when OK
}

// NotSampled returns the placeholder sample for a metric without data.
func NotSampled(metricID string) Sample {
	return Sample{MetricID: metricID, OK: false, Error: NotSampledMarker}
}

// Status is the alert severity of a metric
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusCritical
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*s = StatusNormal
	case "warning":
		*s = StatusWarning
	case "critical":
		*s = StatusCritical
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// Direction tells which side of a level counts as a breach
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ThresholdConfig holds the alerting levels of one metric. It is immutable
// once the engine has started.
type ThresholdConfig struct {
	MetricID           string    `json:"metricId"`
	WarnLevel          float64   `json:"warnLevel"`
	CritLevel          float64   `json:"critLevel"`
	Direction          Direction `json:"direction"`
	HysteresisBreaches uint      `json:"hysteresisBreaches"`
	ClearBreaches      uint      `json:"clearBreaches"`
}

// Validate rejects level/direction combinations that can never alert sanely.
func (c ThresholdConfig) Validate() error {
	if c.MetricID == "" {
		return hubErrors.New(hubErrors.ErrConfig, "threshold has no metric id", "Set the id of the metric this threshold belongs to")
	}
	if math.IsNaN(c.WarnLevel) || math.IsNaN(c.CritLevel) {
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("threshold for %s has a NaN level", c.MetricID),
			"Use numeric warn and crit levels")
	}

	switch c.Direction {
	case DirectionAbove:
		if c.CritLevel < c.WarnLevel {
			return hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("threshold for %s: crit %.2f is below warn %.2f for direction above", c.MetricID, c.CritLevel, c.WarnLevel),
				"For 'above' thresholds crit must be greater than or equal to warn")
		}
	case DirectionBelow:
		if c.CritLevel > c.WarnLevel {
			return hubErrors.New(hubErrors.ErrConfig,
				fmt.Sprintf("threshold for %s: crit %.2f is above warn %.2f for direction below", c.MetricID, c.CritLevel, c.WarnLevel),
				"For 'below' thresholds crit must be less than or equal to warn")
		}
	default:
		return hubErrors.New(hubErrors.ErrConfig,
			fmt.Sprintf("threshold for %s has unknown direction %q", c.MetricID, c.Direction),
			"Use 'above' or 'below'")
	}
	return nil
}

// AlertState is the evaluator's view of one metric.
type AlertState struct {
	Status              Status     `json:"status"`
	ConsecutiveBreaches uint       `json:"consecutiveBreaches"`
	ConsecutiveClears   uint       `json:"consecutiveClears"`
	LastValue           float64    `json:"lastValue"`
	RaisedAt            *time.Time `json:"raisedAt,omitempty"`
	Stale               bool       `json:"stale,omitempty"` // last sample was not OK
}

// Clone returns a deep copy (RaisedAt is a pointer).
func (s AlertState) Clone() AlertState {
	if s.RaisedAt != nil {
		t := *s.RaisedAt
		s.RaisedAt = &t
	}
	return s
}

// Alert is an immutable status transition event
type Alert struct {
	ID        string    `json:"id"`
	MetricID  string    `json:"metricId"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Raised reports whether the transition increases severity.
func (a Alert) Raised() bool {
	return a.To > a.From
}

// HealthReport is the outcome of one health check cycle for a service.
type HealthReport struct {
	ServiceID           string         `json:"serviceId"`
	Kind                string         `json:"kind"`
	Reachable           bool           `json:"reachable"`
	Latency             *time.Duration `json:"latency,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	CheckedAt           time.Time      `json:"checkedAt"`
	ConsecutiveFailures uint           `json:"consecutiveFailures"`
	Attempts            int            `json:"attempts"`
}

// NotChecked returns the placeholder report for a service without data.
func NotChecked(serviceID, kind string) HealthReport {
	return HealthReport{ServiceID: serviceID, Kind: kind, LastError: NotCheckedMarker}
}

// Snapshot is one consistent merge of the latest samples, alert states and
// health reports. A published snapshot is never mutated.
type Snapshot struct {
	Seq           uint64                  `json:"seq"`
	Timestamp     time.Time               `json:"timestamp"`
	Samples       map[string]Sample       `json:"samples"`
	Alerts        map[string]AlertState   `json:"alerts"`
	HealthReports map[string]HealthReport `json:"healthReports"`
}

// Age returns how old the metric's sample was when the snapshot was built.
// Metrics never sampled report ok=false.
func (s Snapshot) Age(metricID string) (time.Duration, bool) {
	sample, ok := s.Samples[metricID]
	if !ok || sample.Timestamp.IsZero() {
		return 0, false
	}
	return s.Timestamp.Sub(sample.Timestamp), true
}

// Stale reports whether a metric has no usable current value: it was never
// sampled, its last sample failed, or the sample is older than maxAge.
func (s Snapshot) Stale(metricID string, maxAge time.Duration) bool {
	sample, ok := s.Samples[metricID]
	if !ok || !sample.OK {
		return true
	}
	age, ok := s.Age(metricID)
	if !ok {
		return true
	}
	return maxAge > 0 && age > maxAge
}

// ============================================
// Lifecycle Types
// ============================================

// LifecycleAction is a batch operation against a compute instance
type LifecycleAction string

const (
	ActionStart   LifecycleAction = "start"
	ActionStop    LifecycleAction = "stop"
	ActionRestart LifecycleAction = "restart"
)

// AllowedActions is the allowlist of lifecycle actions
var AllowedActions = []LifecycleAction{ActionStart, ActionStop, ActionRestart}

// IsAllowed checks if an action is in the allowlist
func (a LifecycleAction) IsAllowed() bool {
	for _, allowed := range AllowedActions {
		if a == allowed {
			return true
		}
	}
	return false
}

// TargetState returns the instance state an action is expected to reach.
func (a LifecycleAction) TargetState() string {
	switch a {
	case ActionStop:
		return "stopped"
	case ActionStart, ActionRestart:
		return "running"
	default:
		return ""
	}
}

// LifecycleResult represents the result of a lifecycle action on one instance
type LifecycleResult struct {
	InstanceID string          `json:"instanceId"`
	Action     LifecycleAction `json:"action"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// NewSuccessResult creates a success result
func NewSuccessResult(instanceID string, action LifecycleAction, message string) LifecycleResult {
	return LifecycleResult{
		InstanceID: instanceID,
		Action:     action,
		Success:    true,
		Message:    message,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewFailedResult creates a failed result
func NewFailedResult(instanceID string, action LifecycleAction, message string) LifecycleResult {
	return LifecycleResult{
		InstanceID: instanceID,
		Action:     action,
		Success:    false,
		Message:    message,
		Timestamp:  time.Now().UnixMilli(),
	}
}
