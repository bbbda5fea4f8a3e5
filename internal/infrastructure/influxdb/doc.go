// Package influxdb is the optional time-series sink for mailbox telemetry.
//
// It wraps the official influxdb-client-go v2 library and records scale
// readings and online transitions per unit. The sink is best effort: writes
// are batched and non-blocking, and a missing or unhealthy server never
// stops message handling.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteWeightReading("a0:b1:c2:d3:e4:f5", 250, time.Now())
//
// All methods are safe for concurrent use.
package influxdb
