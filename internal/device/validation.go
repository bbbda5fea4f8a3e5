package device

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidateID checks a device identifier as announced on the discovery topic.
// IDs become topic segments, so separators and wildcards are rejected.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, "/#+") {
		return fmt.Errorf("%w: %q contains topic characters", ErrInvalidID, id)
	}
	return nil
}

// ValidateConfiguration checks an externally supplied configuration before
// it is applied to a device record.
func ValidateConfiguration(cfg Configuration) error {
	if cfg.BoxNumber != nil && *cfg.BoxNumber <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBoxNumber, *cfg.BoxNumber)
	}
	if !cfg.CheckInterval.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCheckInterval, cfg.CheckInterval)
	}
	for _, addr := range cfg.Subscribers {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidSubscriber, addr)
		}
	}
	return nil
}
