package device

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
)

// CalibrationStep identifies one of the two interactive calibration stages.
type CalibrationStep string

// Calibration steps, named after the response subtopics they arrive on.
const (
	CalibrationOffset CalibrationStep = "scaleOffset"
	CalibrationValue  CalibrationStep = "scaleValue"
)

// Commander publishes commands to a device. Implemented by the message
// router; injected so device records never touch the transport directly.
type Commander interface {
	SendCommand(deviceID, command string, payload []byte) error
}

// SetCommander wires the device to a command publisher. Must be called
// before any calibration operation.
func (d *Device) SetCommander(c Commander) {
	d.mu.Lock()
	d.commander = c
	d.mu.Unlock()
}

// CalcScaleOffset runs the first calibration stage: the scale tares itself
// with an empty box and reports the raw offset.
//
// The device enters calibration mode (weight messages are ignored until
// ApplyScaleCalibration or CancelCalibration). Rejects immediately when the
// device is offline, and with ErrCalibrationBusy while any step is still
// outstanding. Fails with ErrCalibrationTimeout when no response
// arrives within the configured deadline.
func (d *Device) CalcScaleOffset(ctx context.Context) (float64, error) {
	return d.calibrate(ctx, CalibrationOffset, mqtt.CommandCalcOffset, nil)
}

// CalcScaleWeight runs the second calibration stage: a reference weight sits
// in the box and the scale computes its conversion factor from it.
func (d *Device) CalcScaleWeight(ctx context.Context, knownWeight float64) (float64, error) {
	if knownWeight <= 0 || math.IsNaN(knownWeight) || math.IsInf(knownWeight, 0) {
		return 0, fmt.Errorf("%w: reference weight %v", ErrInvalidWeight, knownWeight)
	}
	payload := strconv.FormatFloat(knownWeight, 'f', -1, 64)
	return d.calibrate(ctx, CalibrationValue, mqtt.CommandCalibrateScale, []byte(payload))
}

// ApplyScaleCalibration commits the calibration: the device persists the
// offset and conversion factor, the history is cleared and calibration mode
// ends. Fire-and-forget, no response is awaited.
func (d *Device) ApplyScaleCalibration(offset, value float64) error {
	payload := fmt.Sprintf(`{"scaleOffset":%s,"scaleValue":%s}`,
		strconv.FormatFloat(offset, 'f', -1, 64),
		strconv.FormatFloat(value, 'f', -1, 64))
	return d.finishCalibration(mqtt.CommandApplyCalibration, []byte(payload))
}

// CancelCalibration aborts the session: the device restores its previous
// coefficients, the history is cleared and calibration mode ends.
func (d *Device) CancelCalibration() error {
	return d.finishCalibration(mqtt.CommandCancelCalibration, nil)
}

// calibrate starts one step and waits for the matching response message.
func (d *Device) calibrate(ctx context.Context, step CalibrationStep, command string, payload []byte) (float64, error) {
	d.mu.Lock()
	if d.commander == nil {
		d.mu.Unlock()
		return 0, ErrNoCommander
	}
	if !d.online {
		d.mu.Unlock()
		return 0, ErrDeviceOffline
	}
	if len(d.pending) > 0 {
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: another step outstanding", ErrCalibrationBusy)
	}

	ch := make(chan float64, 1)
	d.pending[step] = ch
	d.inCalibration = true
	cmd := d.commander
	d.mu.Unlock()

	if err := cmd.SendCommand(d.id, command, payload); err != nil {
		d.abortPending(step, true)
		return 0, fmt.Errorf("sending %s command: %w", command, err)
	}

	timer := time.NewTimer(d.settings.CalibrationTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		// Session stays open so the operator can retry or cancel.
		d.abortPending(step, false)
		return 0, fmt.Errorf("%w: no %s response within %v", ErrCalibrationTimeout, step, d.settings.CalibrationTimeout)
	case <-ctx.Done():
		d.abortPending(step, false)
		return 0, fmt.Errorf("waiting for %s response: %w", step, ctx.Err())
	}
}

// abortPending drops the outstanding request for a step. When exitIfIdle is
// set and nothing else is pending, calibration mode ends too (used when the
// command never left the server).
func (d *Device) abortPending(step CalibrationStep, exitIfIdle bool) {
	d.mu.Lock()
	delete(d.pending, step)
	if exitIfIdle && len(d.pending) == 0 {
		d.inCalibration = false
	}
	d.mu.Unlock()
}

// finishCalibration sends the terminating command (apply or cancel) and
// resets the session state. Calibration leaves the scale re-zeroed, so the
// accumulated history no longer describes reality and is dropped.
func (d *Device) finishCalibration(command string, payload []byte) error {
	d.mu.Lock()
	if d.commander == nil {
		d.mu.Unlock()
		return ErrNoCommander
	}
	cmd := d.commander
	d.mu.Unlock()

	if err := cmd.SendCommand(d.id, command, payload); err != nil {
		return fmt.Errorf("sending %s command: %w", command, err)
	}

	d.mu.Lock()
	wasOccupied := d.currentWeightLocked() > 0
	d.history = nil
	d.messageSent = false
	d.inCalibration = false
	d.pending = make(map[CalibrationStep]chan float64)
	d.updatedAt = time.Now().UTC()
	d.mu.Unlock()

	if wasOccupied {
		d.listeners.fireOccupiedChanged(false)
	}
	return nil
}

// resolveCalibration hands a calibration response to the goroutine waiting
// on that step. Responses with no outstanding request are dropped with
// ErrNoPendingCalibration so the router can log them.
func (d *Device) resolveCalibration(step CalibrationStep, payload []byte) error {
	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s response %q", ErrInvalidWeight, step, payload)
	}

	d.mu.Lock()
	ch, ok := d.pending[step]
	if ok {
		delete(d.pending, step)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingCalibration, step)
	}

	ch <- value
	return nil
}
