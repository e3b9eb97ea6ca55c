package mqtt

import (
	"fmt"
	"strings"
)

// SystemStatusTopic carries the retained online/offline status of the
// backend, including the broker-published last will.
const SystemStatusTopic = "foundry/system/status"

// Topics builds the topics the backend publishes robot state on.
//
//	topics := mqtt.Topics{StatePrefix: "foundry/robot"}
//	topics.RobotState("R1") // "foundry/robot/R1/state"
type Topics struct {
	StatePrefix string
}

// RobotState returns the retained per-robot state topic.
func (t Topics) RobotState(robotID string) string {
	return fmt.Sprintf("%s/%s/state", strings.TrimSuffix(t.StatePrefix, "/"), robotID)
}

// AllRobotStates matches every robot's state topic.
func (t Topics) AllRobotStates() string {
	return t.RobotState("+")
}

// ValidRobotID reports whether id can be embedded in a topic level.
// MQTT wildcards and separators are rejected so one robot cannot publish
// over another robot's state.
func ValidRobotID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#\x00")
}
