// Package notification sends the mailbox e-mails.
//
// The engine groups devices into buckets by check interval. Immediate
// devices are mailed as soon as they become occupied; the hourly, daily
// and weekly buckets are swept by cron jobs. Message subjects and bodies
// come from per-device templates with {BOXNR}, {WEIGHT}, {LASTEMPTIED}
// and {HISTORY} placeholders.
//
// The SMTP configuration is stored with the password encrypted and only
// replaces the active configuration after it verifies against the server.
package notification
