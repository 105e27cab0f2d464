package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes for AES-256.
const KeySize = 32

// ErrDecryptionFailed indicates a ciphertext could not be authenticated or
// decrypted (tampered data or wrong key). Callers must fail closed on this
// error and must not treat it as "not found".
var ErrDecryptionFailed = errors.New("decryption failed")

// Encryptor encrypts store payloads at rest using AES-256-GCM and derives
// deterministic lookup digests via HMAC-SHA256. There is no disabled mode:
// constructing an Encryptor requires a full-length key, and stores that
// persist sensitive data refuse to start without one.
type Encryptor struct {
	aead    cipher.AEAD
	hashKey []byte
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Separate HMAC key derived from the encryption key so lookup digests
	// and ciphertexts never share key material directly.
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("mcp-authkit/lookup-key/v1"))

	return &Encryptor{
		aead:    aead,
		hashKey: mac.Sum(nil),
	}, nil
}

// Encrypt encrypts plaintext with a fresh random nonce.
// The storage format is [nonce][ciphertext+tag].
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt authenticates and decrypts a payload produced by Encrypt.
// Returns ErrDecryptionFailed on tampered data or a wrong key.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns base64 for text-oriented
// backends (Redis values, JSON files).
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	out, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptString reverses EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptionFailed)
	}
	out, err := e.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// HashKey derives a deterministic, non-reversible digest for a sensitive
// value. Shared backends use it to build key names from raw tokens so the
// key namespace never leaks the secret to read-only storage inspection.
func (e *Encryptor) HashKey(value string) string {
	mac := hmac.New(sha256.New, e.hashKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateKey generates a new random 32-byte encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
