// Package telemetry turns raw robot messages into derived robot state.
//
// Flow:
//
//	MQTT message -> HandleMessage -> Decode (+ company from topic)
//	  -> partition queue (fnv(robot_id) % workers)
//	  -> worker -> Reconcile under the robot's shard lock -> observers
//
// Every robot id maps to exactly one worker, so samples for a robot are
// applied one at a time in delivery order. State is last-write-wins in that
// order; producer timestamps are recorded but never used to reorder.
//
// Reconcile is a pure function: given the previous state, a sample, the
// receive time and the thresholds it always yields the same state. Health
// and utilization are clamped to [0,100].
//
// Observers (InfluxDB history, MQTT retained republish, the WebSocket hub,
// the SQLite snapshot, fleet gauges) are called after the shard lock is
// released. SweepStale flips robots with no sample inside the staleness
// window to offline; the flip runs on the robot's worker like a sample.
//
// Each robot belongs to the company of its first sample. Samples for the
// robot from any other company are rejected.
package telemetry
