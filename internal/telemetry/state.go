package telemetry

import (
	"math"
	"strings"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
)

// AlarmStatus is the derived alarm level of a robot.
type AlarmStatus string

const (
	AlarmNormal   AlarmStatus = "normal"
	AlarmWarning  AlarmStatus = "warning"
	AlarmCritical AlarmStatus = "critical"
)

// ConnectionStatus says whether a robot reported within the staleness window.
type ConnectionStatus string

const (
	Online  ConnectionStatus = "online"
	Offline ConnectionStatus = "offline"
)

// Status values with derived-metric meaning. Comparison is case-insensitive.
const (
	StatusRunning     = "RUNNING"
	StatusReady       = "READY"
	StatusIdle        = "IDLE"
	StatusMaintenance = "MAINTENANCE"
	StatusError       = "ERROR"

	// statusRunningKR is the Korean "running" some line controllers send.
	statusRunningKR = "작동중"
)

// RobotState is the derived, last-known state of one robot.
type RobotState struct {
	RobotID          string           `json:"robotId"`
	CompanyID        string           `json:"companyId"`
	StatusText       string           `json:"statusText"`
	Temperature      *float64         `json:"temperature,omitempty"`
	CycleTime        *float64         `json:"cycleTime,omitempty"`
	PowerConsumption *float64         `json:"powerConsumption,omitempty"`
	Health           float64          `json:"health"`
	Utilization      float64          `json:"utilization"`
	AlarmStatus      AlarmStatus      `json:"alarmStatus"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`

	SampleCount     int64 `json:"sampleCount"`
	CycleCount      int64 `json:"cycleCount"`
	ZeroCycleStreak int   `json:"zeroCycleStreak"`
	TempExcursions  int   `json:"tempExcursions"`

	// LastSampleAt is the producer timestamp of the latest sample.
	LastSampleAt time.Time `json:"lastSampleAt,omitzero"`
	// LastSeenAt is when the latest sample was received.
	LastSeenAt time.Time `json:"lastSeenAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Online reports whether the robot is currently connected.
func (s RobotState) Online() bool { return s.ConnectionStatus == Online }

// Clone returns a copy that shares no memory with s.
func (s RobotState) Clone() RobotState {
	out := s
	out.Temperature = cloneFloat(s.Temperature)
	out.CycleTime = cloneFloat(s.CycleTime)
	out.PowerConsumption = cloneFloat(s.PowerConsumption)
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Thresholds drive the derived metrics.
type Thresholds struct {
	CriticalTemperature float64
	WarningTemperature  float64
	LowTemperature      float64
	StalledSamples      int
	MaxPower            float64
	MinPower            float64
	IdealCycleTime      float64
}

// DefaultThresholds returns the factory defaults.
func DefaultThresholds() Thresholds {
	return ThresholdsFrom(config.Defaults().Telemetry.Thresholds)
}

// ThresholdsFrom converts the configuration section.
func ThresholdsFrom(c config.TelemetryThresholds) Thresholds {
	return Thresholds{
		CriticalTemperature: c.CriticalTemperature,
		WarningTemperature:  c.WarningTemperature,
		LowTemperature:      c.LowTemperature,
		StalledSamples:      c.StalledSamples,
		MaxPower:            c.MaxPower,
		MinPower:            c.MinPower,
		IdealCycleTime:      c.IdealCycleTime,
	}
}

// newRobotState is the state a robot starts from before its first sample.
func newRobotState(id string) RobotState {
	return RobotState{
		RobotID:          id,
		Health:           100,
		AlarmStatus:      AlarmNormal,
		ConnectionStatus: Online,
	}
}

// Reconcile applies s to prev and recomputes the derived metrics. A nil
// prev starts from defaults. Readings present in s replace the previous
// ones; absent readings and an empty status keep their last-known value.
//
// Counters move only on readings the sample actually carries: a sample
// without cycle_time leaves ZeroCycleStreak untouched.
func Reconcile(prev *RobotState, s Sample, receivedAt time.Time, th Thresholds) RobotState {
	var st RobotState
	if prev == nil {
		st = newRobotState(s.RobotID)
	} else {
		st = prev.Clone()
	}

	st.RobotID = s.RobotID
	if s.CompanyID != "" {
		st.CompanyID = s.CompanyID
	}
	if s.StatusText != "" {
		st.StatusText = s.StatusText
	}
	status := normaliseStatus(st.StatusText)
	if s.Temperature != nil {
		st.Temperature = cloneFloat(s.Temperature)
	}
	if s.CycleTime != nil {
		st.CycleTime = cloneFloat(s.CycleTime)
	}
	if s.PowerConsumption != nil {
		st.PowerConsumption = cloneFloat(s.PowerConsumption)
	}

	if c := s.CycleTime; c != nil {
		if *c == 0 && status != StatusReady {
			st.ZeroCycleStreak++
		} else {
			st.ZeroCycleStreak = 0
		}
		if *c > 0 {
			st.CycleCount++
		}
	} else if status == StatusReady {
		st.ZeroCycleStreak = 0
	}
	if t := s.Temperature; t != nil {
		if *t > th.WarningTemperature {
			st.TempExcursions++
		} else {
			st.TempExcursions = 0
		}
	}

	st.AlarmStatus = alarmFor(st, status, th)
	st.Health = healthFor(st, status, th)
	st.Utilization = utilizationFor(st, status, th)

	st.ConnectionStatus = Online
	st.SampleCount++
	st.LastSampleAt = s.ProducedAt()
	st.LastSeenAt = receivedAt
	st.UpdatedAt = receivedAt
	return st
}

func normaliseStatus(text string) string {
	s := strings.ToUpper(strings.TrimSpace(text))
	if s == statusRunningKR {
		return StatusRunning
	}
	return s
}

func alarmFor(st RobotState, status string, th Thresholds) AlarmStatus {
	temp, hasTemp := reading(st.Temperature)

	switch {
	case hasTemp && temp > th.CriticalTemperature,
		th.StalledSamples > 0 && st.ZeroCycleStreak >= th.StalledSamples,
		status == StatusError:
		return AlarmCritical
	case hasTemp && temp > th.WarningTemperature,
		status == StatusMaintenance:
		return AlarmWarning
	default:
		return AlarmNormal
	}
}

func healthFor(st RobotState, status string, th Thresholds) float64 {
	health := 100.0

	if temp, ok := reading(st.Temperature); ok {
		switch {
		case temp > th.CriticalTemperature:
			health -= 30
		case temp > th.WarningTemperature:
			health -= 15
		case temp < th.LowTemperature:
			health -= 10
		}
	}

	switch status {
	case StatusError:
		health -= 50
	case StatusMaintenance:
		health -= 20
	case StatusIdle:
		health -= 5
	}

	if power, ok := reading(st.PowerConsumption); ok && (power > th.MaxPower || power < th.MinPower) {
		health -= 10
	}

	health -= 2 * float64(min(st.TempExcursions, 5))
	return clampPercent(health)
}

func utilizationFor(st RobotState, status string, th Thresholds) float64 {
	if status != StatusRunning {
		return 0
	}
	cycle, ok := reading(st.CycleTime)
	switch {
	case !ok:
		return 85
	case cycle <= 0:
		return 0
	default:
		return clampPercent(th.IdealCycleTime / cycle * 100)
	}
}

// reading dereferences p, treating NaN and infinities as absent.
func reading(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
