// Package api implements the HTTP REST API for Postmelder Core.
//
// This package provides:
//   - Device listing (configured and unconfigured), updates and deletion
//   - Reading history per mailbox unit
//   - Manual and test notification sends
//   - The two-step scale calibration protocol (offset, scale, apply, cancel)
//   - Mail configuration reads and verified writes
//   - Aggregated system status
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// The server sits between the web frontend and the device registry plus
// the MQTT message router. Calibration endpoints block until the mailbox
// unit answers or the round-trip timeout elapses.
//
// The API is meant for the local network and carries no authentication.
package api
