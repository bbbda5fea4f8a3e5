// Package mqtt provides MQTT client connectivity for the Postmelder server.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on /server/online
//   - Connection health monitoring
//
// # Architecture
//
// MQTT is the only channel between the server and the mailbox devices.
// Each ESP-based scale announces itself on /devices and then publishes
// its presence, weight readings, and calibration responses under its own
// id-rooted subtree. The server answers with command publishes and an
// empty registration acknowledgement.
//
//	Postmelder Server ↔ MQTT Broker ↔ Mailbox Devices
//
// # Security Considerations
//
//   - TLS is supported for brokers outside the local network (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Listen for devices announcing themselves
//	err = client.Subscribe(mqtt.TopicDiscovery, 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("device announced: %s", payload)
//	        return nil
//	    })
//
//	// Start the calibration offset step on one device
//	topic := mqtt.Topics{}.DeviceCommand(deviceID, mqtt.CommandCalcOffset)
//	client.Publish(topic, nil, 1, false)
package mqtt
