package notification

import "errors"

// Domain errors for the notification package.
var (
	// ErrNoRecipients is returned when a send is attempted for a device
	// without subscribers.
	ErrNoRecipients = errors.New("notification: no recipients configured")

	// ErrNoSender is returned when no outgoing mail account is configured.
	ErrNoSender = errors.New("notification: no sender configured")

	// ErrTransporterUnavailable is returned when the SMTP server cannot be
	// reached. Also raises the external-error signal on the status sink.
	ErrTransporterUnavailable = errors.New("notification: mail transporter unavailable")

	// ErrNotConfigured is returned when loading mail settings before any
	// have been saved.
	ErrNotConfigured = errors.New("notification: mail settings not configured")

	// ErrConfigRejected is returned when a proposed mail configuration
	// fails its connectivity test. The previous configuration stays active.
	ErrConfigRejected = errors.New("notification: proposed mail settings rejected")

	// ErrInvalidConfig is returned when a proposed mail configuration is
	// structurally invalid (missing host or username).
	ErrInvalidConfig = errors.New("notification: invalid mail settings")
)
