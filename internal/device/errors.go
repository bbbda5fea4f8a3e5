package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist in the registry.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrDeviceOffline is returned when starting a calibration step while the
	// device is not connected to the broker.
	ErrDeviceOffline = errors.New("device: offline")

	// ErrUnknownTopic is returned by ApplyMessage for a subtopic the device
	// does not speak. Distinct from unknown-device routing failures.
	ErrUnknownTopic = errors.New("device: unknown topic")

	// ErrUnrecognizedPresence is returned when an online message carries
	// neither presence sentinel. The device is treated as offline.
	ErrUnrecognizedPresence = errors.New("device: unrecognized presence payload")

	// ErrInvalidWeight is returned when a numeric payload does not parse.
	// State is left untouched.
	ErrInvalidWeight = errors.New("device: invalid weight payload")

	// ErrNoPendingCalibration is returned when a calibration response arrives
	// with no outstanding request for that step.
	ErrNoPendingCalibration = errors.New("device: no pending calibration request")

	// ErrCalibrationBusy is returned when a calibration step is requested
	// while the same step is still outstanding.
	ErrCalibrationBusy = errors.New("device: calibration step already in progress")

	// ErrCalibrationTimeout is returned when the device does not answer a
	// calibration request within the deadline.
	ErrCalibrationTimeout = errors.New("device: calibration timed out")

	// ErrNoCommander is returned when a calibration operation is attempted
	// before the device has been wired to a command publisher.
	ErrNoCommander = errors.New("device: no commander attached")

	// ErrInvalidBoxNumber is returned when a box number is zero or negative.
	ErrInvalidBoxNumber = errors.New("device: box number must be positive")

	// ErrInvalidCheckInterval is returned when a check interval value is not recognised.
	ErrInvalidCheckInterval = errors.New("device: invalid check interval")

	// ErrInvalidSubscriber is returned when a subscriber address is not a valid email address.
	ErrInvalidSubscriber = errors.New("device: invalid subscriber address")

	// ErrInvalidID is returned when a device ID is empty or contains topic separators.
	ErrInvalidID = errors.New("device: invalid id")
)
