package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// EnvSecretKey names the environment variable holding the encryption secret.
// The AES key is derived from it with SHA-256.
const EnvSecretKey = "POSTMELDER_SECRET_KEY"

// nonceSize is the GCM nonce length in bytes. The stored format uses a
// 16 byte nonce, hex encoded to 32 characters.
const nonceSize = 16

// Domain-specific errors for secret handling.
var (
	// ErrEmptySecret is returned when constructing a Box from an empty secret.
	ErrEmptySecret = errors.New("secrets: secret cannot be empty")

	// ErrDecryptFailed is returned when decryption or authentication fails.
	// This usually means the secret key changed since the value was stored.
	ErrDecryptFailed = errors.New("secrets: decryption failed")

	// ErrInvalidHash is returned when a stored hash is malformed.
	ErrInvalidHash = errors.New("secrets: invalid encrypted value")
)

// Hash is an encrypted value at rest. All three fields are hex encoded.
// This is the shape persisted in the mail_config table.
type Hash struct {
	IV      string `json:"iv"`
	Data    string `json:"data"`
	AuthTag string `json:"authTag"`
}

// IsZero reports whether the hash holds no encrypted value.
func (h Hash) IsZero() bool {
	return h.IV == "" && h.Data == "" && h.AuthTag == ""
}

// Box encrypts and decrypts short secrets (SMTP passwords) with AES-256-GCM.
// A Box is immutable and safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a secret string. The AES-256 key is the SHA-256
// digest of the secret, so any passphrase length is accepted.
func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// FromEnv creates a Box from the POSTMELDER_SECRET_KEY environment variable.
//
// Returns:
//   - *Box: Ready for use
//   - error: ErrEmptySecret if the variable is unset or empty
func FromEnv() (*Box, error) {
	return New(os.Getenv(EnvSecretKey))
}

// Encrypt encrypts text with a fresh random nonce.
func (b *Box) Encrypt(text string) (Hash, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Hash{}, fmt.Errorf("generating nonce: %w", err)
	}
	return b.seal(text, nonce), nil
}

// EncryptWithIV encrypts text reusing an existing hex-encoded nonce.
//
// Encrypting the same text with the same nonce produces the same Hash,
// which is how an unchanged password is detected when the mail config
// is updated: the stored IV is reused and the outputs compared.
func (b *Box) EncryptWithIV(text, ivHex string) (Hash, error) {
	nonce, err := hex.DecodeString(ivHex)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: decoding iv: %w", ErrInvalidHash, err)
	}
	if len(nonce) != nonceSize {
		return Hash{}, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidHash, nonceSize, len(nonce))
	}
	return b.seal(text, nonce), nil
}

// seal runs the GCM seal and splits ciphertext from the auth tag, matching
// the stored three-field format.
func (b *Box) seal(text string, nonce []byte) Hash {
	sealed := b.aead.Seal(nil, nonce, []byte(text), nil)

	// Seal appends the tag after the ciphertext.
	tagStart := len(sealed) - b.aead.Overhead()
	return Hash{
		IV:      hex.EncodeToString(nonce),
		Data:    hex.EncodeToString(sealed[:tagStart]),
		AuthTag: hex.EncodeToString(sealed[tagStart:]),
	}
}

// Decrypt recovers the plaintext from a stored Hash.
//
// Returns:
//   - string: The decrypted text
//   - error: ErrInvalidHash for malformed input, ErrDecryptFailed when
//     authentication fails (wrong key or tampered data)
func (b *Box) Decrypt(h Hash) (string, error) {
	nonce, err := hex.DecodeString(h.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decoding iv: %w", ErrInvalidHash, err)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidHash, nonceSize, len(nonce))
	}
	data, err := hex.DecodeString(h.Data)
	if err != nil {
		return "", fmt.Errorf("%w: decoding data: %w", ErrInvalidHash, err)
	}
	tag, err := hex.DecodeString(h.AuthTag)
	if err != nil {
		return "", fmt.Errorf("%w: decoding auth tag: %w", ErrInvalidHash, err)
	}

	plain, err := b.aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	return string(plain), nil
}
