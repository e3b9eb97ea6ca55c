// Package influxdb writes robot telemetry history to InfluxDB 2.x.
//
// Every reconciled robot state becomes a robot_telemetry point tagged with
// robot_id and alarm; online/offline changes are written to robot_status.
// History is optional: when influxdb.enabled is false, Connect returns
// ErrDisabled and the server runs without it.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // no history
//	}
//	defer client.Close()
//
//	client.WriteRobotSample(influxdb.RobotSample{RobotID: "R1", Health: 85})
package influxdb
