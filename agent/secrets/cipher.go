// Package secrets encrypts the node's on-disk configuration.
//
// File format: [16-byte salt][16-byte iv][32-byte HMAC][ciphertext].
// The HMAC covers salt+iv+ciphertext, so any tampering fails fast on load
// instead of producing a garbage decode.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 16
	ivSize   = 16
	macSize  = 32

	kdfIterations = 10000
)

// ErrIntegrity is returned when the stored MAC does not match the
// recomputed one. The payload is discarded, never partially decoded.
var ErrIntegrity = errors.New("config integrity check failed")

// Cipher encrypts and decrypts config payloads with a machine-derived secret
type Cipher struct {
	secret []byte
}

// NewCipher creates a cipher keyed by secret
func NewCipher(secret []byte) *Cipher {
	return &Cipher{secret: secret}
}

// MachineSecret derives the node's encryption secret from the machine id,
// falling back to the hostname when unavailable.
func MachineSecret() []byte {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return []byte(id)
		}
	}
	hostname, _ := os.Hostname()
	return []byte("flowfleet:" + hostname)
}

// Encrypt seals plaintext into the on-disk format
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	encKey, macKey := c.deriveKeys(salt)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := computeMAC(macKey, salt, iv, ciphertext)

	out := make([]byte, 0, saltSize+ivSize+macSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, mac...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens an on-disk blob. The MAC is verified before any
// decryption happens.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+ivSize+macSize {
		return nil, ErrIntegrity
	}

	salt := blob[:saltSize]
	iv := blob[saltSize : saltSize+ivSize]
	mac := blob[saltSize+ivSize : saltSize+ivSize+macSize]
	ciphertext := blob[saltSize+ivSize+macSize:]

	encKey, macKey := c.deriveKeys(salt)

	expected := computeMAC(macKey, salt, iv, ciphertext)
	if !hmac.Equal(mac, expected) {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// deriveKeys stretches the machine secret into distinct encryption and MAC keys
func (c *Cipher) deriveKeys(salt []byte) (encKey, macKey []byte) {
	keys := pbkdf2.Key(c.secret, salt, kdfIterations, 64, sha256.New)
	return keys[:32], keys[32:]
}

func computeMAC(macKey, salt, iv, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(salt)
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}
