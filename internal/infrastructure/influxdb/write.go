package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementTelemetry  = "robot_telemetry"
	measurementTransition = "robot_status"
)

// RobotSample is one reconciled robot state as recorded in history.
// Nil pointers are fields the robot did not report.
type RobotSample struct {
	RobotID     string
	CompanyID   string
	StatusText  string
	Alarm       string
	Online      bool
	Temperature *float64
	CycleTime   *float64
	Power       *float64
	Health      float64
	Utilization float64
	At          time.Time
}

// WriteRobotSample queues one robot_telemetry point tagged by robot and
// alarm level. Missing readings are omitted rather than written as zero.
func (c *Client) WriteRobotSample(s RobotSample) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(samplePoint(s))
}

// WriteOnlineTransition records a robot going online or offline.
func (c *Client) WriteOnlineTransition(companyID, robotID string, online bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurementTransition,
		robotTags(companyID, robotID),
		map[string]interface{}{"online": online},
		at))
}

// robotTags identifies a robot. Robots without an owning company carry no
// company_id tag.
func robotTags(companyID, robotID string) map[string]string {
	tags := map[string]string{"robot_id": robotID}
	if companyID != "" {
		tags["company_id"] = companyID
	}
	return tags
}

func samplePoint(s RobotSample) *write.Point {
	fields := map[string]interface{}{
		"health":      s.Health,
		"utilization": s.Utilization,
		"online":      s.Online,
		"status_text": s.StatusText,
	}
	if s.Temperature != nil {
		fields["temperature"] = *s.Temperature
	}
	if s.CycleTime != nil {
		fields["cycle_time"] = *s.CycleTime
	}
	if s.Power != nil {
		fields["power_consumption"] = *s.Power
	}

	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	tags := robotTags(s.CompanyID, s.RobotID)
	tags["alarm"] = s.Alarm
	return write.NewPoint(measurementTelemetry, tags, fields, at)
}
