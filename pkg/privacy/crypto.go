package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Wire format: base64( salt[16] ‖ nonce[12] ‖ ciphertext+tag ).
const (
	saltSize   = 16
	nonceSize  = 12
	gcmTagSize = 16
	pbkdf2Iter = 100_000
	keySize    = 32
)

// ErrCiphertextTooShort is returned for payloads shorter than
// salt + nonce + tag.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher encrypts contact originals with AES-256-GCM. Each record gets an
// independent random salt, so the derived key differs per record even under
// a shared master key.
type Cipher struct {
	masterKey []byte
}

// NewCipher creates a cipher from a 32-byte master key.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Cipher{masterKey: key}, nil
}

// Encrypt returns base64(salt ‖ nonce ‖ ciphertext_with_tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, saltSize+nonceSize+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt inverts Encrypt exactly, rejecting payloads shorter than
// salt + nonce + tag.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(payload) < saltSize+nonceSize+gcmTagSize {
		return "", ErrCiphertextTooShort
	}

	salt := payload[:saltSize]
	nonce := payload[saltSize : saltSize+nonceSize]
	sealed := payload[saltSize+nonceSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// aead derives a per-record key via PBKDF2-HMAC-SHA256 and builds the GCM.
func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, pbkdf2Iter, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Normalize strips all whitespace and lower-cases a value for deterministic
// dedup hashing.
func Normalize(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), ""))
}

// DedupHash returns the first 16 hex characters of SHA256(normalize(value)).
// Equal normalized inputs always produce equal hashes; empty input hashes
// to "".
func DedupHash(value string) string {
	normalized := Normalize(value)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// PhoneDedupHash hashes the digits-only form of a phone number.
func PhoneDedupHash(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return DedupHash(digits.String())
}
