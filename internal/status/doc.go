// Package status folds broker, mail transport, internet and device health
// into one tri-state system status.
//
// External faults (broker unreachable, mail transport failing, no
// internet) and internal faults (a fully configured mailbox unit offline)
// are kept apart so the indicator can show which side needs attention. The
// aggregate is recomputed on every input change and pushed to the
// registered Indicator only when it actually changed.
package status
