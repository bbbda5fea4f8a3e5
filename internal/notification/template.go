package notification

import (
	"strconv"
	"strings"
	"time"

	"github.com/postmelder/postmelder-core/internal/device"
)

// Default templates used when a device has none configured.
const (
	DefaultTitleTemplate = "New mail in box {BOXNR}"
	DefaultBodyTemplate  = "Box {BOXNR} received new mail.\n\n" +
		"Current weight: {WEIGHT}\n" +
		"Last emptied: {LASTEMPTIED}\n" +
		"Readings since last emptied:{HISTORY}"
)

// timestampLayout renders times in notification mails.
const timestampLayout = "2006-01-02 15:04:05"

// InsertVariables substitutes device values into a template string.
//
// Replacements are case-sensitive and global. A placeholder whose value is
// absent becomes the literal `{FIELD:undefined}` marker rather than an
// empty string, so a misconfigured template stays visible in the mail.
//
//	{BOXNR}       box number
//	{WEIGHT}      current weight with "g" suffix ({WEIGHT:undefined} when zero)
//	{LASTEMPTIED} timestamp of the last emptying
//	{HISTORY}     newline-wrapped "<timestamp>: <weight>g" lines
func InsertVariables(msg string, d *device.Device) string {
	msg = strings.ReplaceAll(msg, "{BOXNR}", boxNumberValue(d.BoxNumber()))
	msg = strings.ReplaceAll(msg, "{WEIGHT}", weightValue(d.CurrentWeight()))
	msg = strings.ReplaceAll(msg, "{LASTEMPTIED}", lastEmptiedValue(d.LastEmptied()))
	msg = strings.ReplaceAll(msg, "{HISTORY}", historyValue(d.History()))
	return msg
}

// TitleTemplate returns the device's title template, or the default when unset.
func TitleTemplate(d *device.Device) string {
	if t := d.NotificationTitle(); t != "" {
		return t
	}
	return DefaultTitleTemplate
}

// BodyTemplate returns the device's body template, or the default when unset.
func BodyTemplate(d *device.Device) string {
	if b := d.NotificationBody(); b != "" {
		return b
	}
	return DefaultBodyTemplate
}

func boxNumberValue(n *int) string {
	if n == nil {
		return "{BOXNR:undefined}"
	}
	return strconv.Itoa(*n)
}

func weightValue(w float64) string {
	if w == 0 {
		return "{WEIGHT:undefined}"
	}
	return formatGrams(w)
}

func lastEmptiedValue(t *time.Time) string {
	if t == nil {
		return "{LASTEMPTIED:undefined}"
	}
	return t.Local().Format(timestampLayout)
}

func historyValue(history []device.Reading) string {
	if len(history) == 0 {
		return "{HISTORY:undefined}"
	}

	var b strings.Builder
	b.WriteString("\n")
	for _, r := range history {
		b.WriteString(r.Timestamp.Local().Format(timestampLayout))
		b.WriteString(": ")
		b.WriteString(formatGrams(r.Weight))
		b.WriteString("\n")
	}
	return b.String()
}

func formatGrams(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64) + "g"
}
