package telemetry

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/foundry-core/internal/infrastructure/mqtt"
)

// historyWriter is the part of *influxdb.Client the history observer uses.
type historyWriter interface {
	WriteRobotSample(s influxdb.RobotSample)
	WriteOnlineTransition(companyID, robotID string, online bool, at time.Time)
}

// HistoryObserver records every state change as InfluxDB points. Writes
// are batched by the client and never block.
type HistoryObserver struct {
	w historyWriter
}

// NewHistoryObserver wraps an InfluxDB client.
func NewHistoryObserver(w historyWriter) *HistoryObserver {
	return &HistoryObserver{w: w}
}

// RobotStateChanged implements Observer.
func (h *HistoryObserver) RobotStateChanged(st RobotState) {
	if !st.Online() {
		h.w.WriteOnlineTransition(st.CompanyID, st.RobotID, false, st.UpdatedAt)
		return
	}
	h.w.WriteRobotSample(influxdb.RobotSample{
		RobotID:     st.RobotID,
		CompanyID:   st.CompanyID,
		StatusText:  st.StatusText,
		Alarm:       string(st.AlarmStatus),
		Online:      true,
		Temperature: st.Temperature,
		CycleTime:   st.CycleTime,
		Power:       st.PowerConsumption,
		Health:      st.Health,
		Utilization: st.Utilization,
		At:          st.UpdatedAt,
	})
}

// retainedPublisher is the part of *mqtt.Client the state publisher uses.
type retainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// StatePublisher republishes derived state, retained, on
// {prefix}/{robot_id}/state so late subscribers get the current value.
type StatePublisher struct {
	pub    retainedPublisher
	topics mqtt.Topics
	logger Logger
}

// NewStatePublisher creates a publisher for the given topic layout.
func NewStatePublisher(pub retainedPublisher, topics mqtt.Topics, logger Logger) *StatePublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &StatePublisher{pub: pub, topics: topics, logger: logger}
}

// RobotStateChanged implements Observer.
func (p *StatePublisher) RobotStateChanged(st RobotState) {
	payload, err := json.Marshal(st)
	if err != nil {
		p.logger.Error("encoding robot state", "robot_id", st.RobotID, "error", err)
		return
	}
	if err := p.pub.PublishRetained(p.topics.RobotState(st.RobotID), payload); err != nil {
		p.logger.Warn("publishing robot state", "robot_id", st.RobotID, "error", err)
	}
}

// fleetRecorder is the part of *metrics.Metrics the fleet gauges use.
type fleetRecorder interface {
	SetFleet(online int, alarms map[string]int)
}

// FleetGauges keeps the online and alarm gauges in step with the store.
type FleetGauges struct {
	store *Store
	rec   fleetRecorder
}

// NewFleetGauges creates the observer.
func NewFleetGauges(store *Store, rec fleetRecorder) *FleetGauges {
	return &FleetGauges{store: store, rec: rec}
}

// RobotStateChanged implements Observer.
func (f *FleetGauges) RobotStateChanged(RobotState) {
	f.rec.SetFleet(f.store.Fleet())
}
