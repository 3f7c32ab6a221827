package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	nonceSize        = 12
	tagSize          = 16
	keySize          = 32
	pbkdf2Iterations = 100000

	// MinBlobSize is the smallest decoded blob that can hold salt, IV and tag.
	MinBlobSize = saltSize + nonceSize + tagSize
)

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt seals plaintext under passphrase and returns base64(salt ‖ iv ‖ ciphertext ‖ tag).
// Every call uses a fresh salt and IV.
func Encrypt(plaintext, passphrase string) (string, error) {
	buf := make([]byte, saltSize+nonceSize, saltSize+nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt and iv: %w", err)
	}
	salt, iv := buf[:saltSize], buf[saltSize:]

	aead, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	sealed := aead.Seal(buf, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed blob, tag mismatch or wrong
// passphrase yields ErrDecryption.
func Decrypt(blob, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryption)
	}
	if len(raw) < MinBlobSize {
		return "", fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	salt, iv, ciphertext := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]

	aead, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

// IsPlausible is a cheap shape check: blob must be base64 and decode to at
// least MinBlobSize bytes. It does not authenticate anything.
func IsPlausible(blob string) bool {
	if blob == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return false
	}
	return len(raw) >= MinBlobSize
}

// GenerateKey returns a random 256-bit passphrase, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
