package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteWeightReading records one scale reading for a mailbox unit.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Dropped silently when the sink is not connected.
func (c *Client) WriteWeightReading(deviceID string, grams float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"box_weight",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"weight_grams": grams,
		},
		at,
	)

	c.writeAPI.WritePoint(point)
}

// WriteOnlineState records an online transition for a mailbox unit.
func (c *Client) WriteOnlineState(deviceID string, online bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"box_online",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
