package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/mqtt"
)

// Sample is one decoded telemetry message. Nil readings were not reported
// and an empty StatusText keeps the robot's last-known status.
type Sample struct {
	RobotID          string   `json:"robot_id"`
	StatusText       string   `json:"status_text,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	CycleTime        *float64 `json:"cycle_time,omitempty"`
	PowerConsumption *float64 `json:"power_consumption,omitempty"`

	// Timestamp is the producer's clock in epoch milliseconds; 0 if absent.
	Timestamp int64 `json:"timestamp,omitempty"`

	// CompanyID owns the robot. It comes from the topic, not the payload.
	CompanyID string `json:"-"`
}

// ProducedAt returns Timestamp as a time, or the zero time when absent.
func (s Sample) ProducedAt() time.Time {
	if s.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.Timestamp).UTC()
}

type wireSample struct {
	RobotID          *string  `json:"robot_id"`
	StatusText       *string  `json:"status_text"`
	Temperature      *float64 `json:"temperature"`
	CycleTime        *float64 `json:"cycle_time"`
	PowerConsumption *float64 `json:"power_consumption"`
	Timestamp        *int64   `json:"timestamp"`
}

// Decode parses a telemetry payload. Only robot_id is required. Wrong JSON
// types, a fractional cycle_time and robot ids that cannot appear in an
// MQTT topic are rejected. Every failure is a *MalformedError.
func Decode(payload []byte) (Sample, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Sample{}, &MalformedError{Reason: "empty payload"}
	}

	var w wireSample
	if err := json.Unmarshal(payload, &w); err != nil {
		return Sample{}, &MalformedError{Reason: "invalid JSON", Err: err}
	}

	if w.RobotID == nil || strings.TrimSpace(*w.RobotID) == "" {
		return Sample{}, &MalformedError{Reason: "robot_id is required"}
	}
	id := strings.TrimSpace(*w.RobotID)
	if !mqtt.ValidRobotID(id) {
		return Sample{}, &MalformedError{Reason: "robot_id contains topic characters"}
	}
	if c := w.CycleTime; c != nil && *c != math.Trunc(*c) {
		return Sample{}, &MalformedError{Reason: "cycle_time must be a whole number of seconds"}
	}

	s := Sample{
		RobotID:          id,
		Temperature:      w.Temperature,
		CycleTime:        w.CycleTime,
		PowerConsumption: w.PowerConsumption,
	}
	if w.StatusText != nil {
		s.StatusText = strings.TrimSpace(*w.StatusText)
	}
	if w.Timestamp != nil {
		s.Timestamp = *w.Timestamp
	}
	return s, nil
}
