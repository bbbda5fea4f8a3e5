// Package secrets encrypts credentials before they reach the database.
//
// The only secret Postmelder stores is the SMTP password of the outgoing
// mail account. It is kept as an AES-256-GCM triple (iv, data, authTag),
// each hex encoded, in the mail_config table. The key is derived from the
// POSTMELDER_SECRET_KEY environment variable and never persisted.
//
// Deterministic re-encryption via EncryptWithIV lets the config update
// path detect an unchanged password without ever decrypting for comparison.
package secrets
