// Package database provides SQLite connection management for Postmelder Core.
//
// It wraps database/sql with:
//   - Directory creation and restrictive file permissions
//   - WAL mode and busy-timeout pragmas
//   - Embedded, versioned SQL migrations (see the migrations package)
//   - Health checks for startup verification
//
// SQLite is deliberate here: the server runs on a single small host (a
// Raspberry Pi class machine) with a handful of mailbox devices, and the
// single-writer model matches the single ingestion path for device state.
package database
