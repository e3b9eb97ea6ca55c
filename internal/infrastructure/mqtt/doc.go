// Package mqtt connects Foundry Core to the plant's MQTT broker.
//
// Robots publish JSON telemetry on the configured telemetry topic
// (robot/data by default). The backend subscribes to it, and republishes
// each reconciled robot state as a retained message on
// foundry/robot/{id}/state. The backend's own liveness is announced on
// foundry/system/status, with a last will so the broker marks it offline
// after a crash.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(cfg.Telemetry.Topic, client.QoS(), ingestor.HandleMessage)
//
// Use TLS (broker.tls: true) and broker ACLs outside of local development.
package mqtt
