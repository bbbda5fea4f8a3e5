package mqtt

// Topic layout spoken by the mailbox firmware. The scheme is rooted at "/":
//
//	/devices                           device announces its id (discovery)
//	/server/online                     server presence, retained will
//	/{id}                              registration acknowledgement to one device
//	/{id}/online                       device presence, retained will
//	/{id}/currentWeight                weight reading in grams
//	/{id}/calibration/scaleOffset      calibration step 1 response
//	/{id}/calibration/scaleValue       calibration step 2 response
//	/{id}/command/{Name}               commands to the device
const (
	// TopicDiscovery is the well-known topic devices announce themselves on.
	// The payload is the device id (its MAC address).
	TopicDiscovery = "/devices"

	// TopicServerStatus carries the server's presence, retained so devices
	// that reconnect immediately learn whether the server is up.
	TopicServerStatus = "/server/online"
)

// Sentinel presence payloads shared by server and devices.
const (
	PayloadConnected    = "connected"
	PayloadDisconnected = "disconnected"
)

// Device subtopic suffixes, relative to /{id}.
const (
	SubtopicOnline        = "online"
	SubtopicCurrentWeight = "currentWeight"
	SubtopicScaleOffset   = "calibration/scaleOffset"
	SubtopicScaleValue    = "calibration/scaleValue"
)

// Command names understood by the scale firmware.
const (
	CommandCalcOffset        = "CalcOffset"
	CommandCalibrateScale    = "CalibrateScale"
	CommandApplyCalibration  = "ApplyCalibration"
	CommandCancelCalibration = "CancelCalibration"
)

// Topics provides builders for Postmelder MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// DeviceRegistered returns the direct topic of a device, used for the empty
// registration acknowledgement.
//
// Example: /a0:b1:c2:d3:e4:f5
func (Topics) DeviceRegistered(deviceID string) string {
	return "/" + deviceID
}

// DeviceSubtree returns a wildcard pattern matching everything one device publishes.
//
// Example: /a0:b1:c2:d3:e4:f5/#
func (Topics) DeviceSubtree(deviceID string) string {
	return "/" + deviceID + "/#"
}

// DeviceOnline returns the presence topic of a device.
//
// Example: /a0:b1:c2:d3:e4:f5/online
func (Topics) DeviceOnline(deviceID string) string {
	return "/" + deviceID + "/" + SubtopicOnline
}

// DeviceCommand returns the topic for a command to a device.
//
// Example: /a0:b1:c2:d3:e4:f5/command/CalcOffset
func (Topics) DeviceCommand(deviceID, command string) string {
	return "/" + deviceID + "/command/" + command
}
