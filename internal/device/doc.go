// Package device holds the per-mailbox state engine at the heart of Postmelder.
//
// A Device record carries one unit's stored configuration (box number,
// subscriber list, notification templates, check interval) and the live state
// rebuilt from broker traffic (presence, weight history, calibration session).
// Records interpret their own messages via ApplyMessage and announce changes
// through typed listeners, so the notification engine and status aggregator
// can react without polling.
//
// Key behaviours:
//   - Duplicate weight readings (retained-message redelivery) are suppressed:
//     a reading equal to the most recent history entry is a silent no-op.
//   - A reading at or below the empty threshold empties the box: history is
//     cleared, lastEmptied is stamped and the duplicate-send guard resets.
//   - Presence, occupancy and check-interval listeners fire only on actual
//     value transitions.
//   - The two-step calibration protocol allows one outstanding request per
//     step, bounded by a timeout; weight messages are ignored for the whole
//     session.
//
// The Registry owns the collection, loads it from SQLite at startup and
// persists it as a snapshot: debounced after weight traffic, synchronously
// after configuration writes.
package device
