package secrets

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := NewCipher([]byte("machine-secret"))

	plaintext := []byte(`{"revision":3,"variables":{"ffmpeg":"/usr/bin/ffmpeg"}}`)
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	decrypted, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Decrypted payload differs from original")
	}
}

func TestDecrypt_TamperedPayloadFails(t *testing.T) {
	c := NewCipher([]byte("machine-secret"))

	blob, err := c.Encrypt([]byte(`{"revision":3}`))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	// Flipping any byte of salt, iv, MAC or ciphertext must trip the
	// integrity check, never return a garbage decode
	for _, offset := range []int{0, 16, 32, len(blob) - 1} {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[offset] ^= 0x01

		if _, err := c.Decrypt(tampered); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Expected ErrIntegrity for flipped byte at %d, got %v", offset, err)
		}
	}
}

func TestDecrypt_TruncatedBlob(t *testing.T) {
	c := NewCipher([]byte("machine-secret"))

	if _, err := c.Decrypt([]byte("too short")); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for truncated blob, got %v", err)
	}
}

func TestDecrypt_WrongSecret(t *testing.T) {
	blob, err := NewCipher([]byte("secret-1")).Encrypt([]byte(`{"revision":3}`))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	if _, err := NewCipher([]byte("secret-2")).Decrypt(blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity with wrong secret, got %v", err)
	}
}

func TestEncrypt_UniqueSaltAndIV(t *testing.T) {
	c := NewCipher([]byte("machine-secret"))

	a, err := c.Encrypt([]byte("same payload"))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	b, err := c.Encrypt([]byte("same payload"))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	if bytes.Equal(a[:32], b[:32]) {
		t.Error("Two encryptions should not share salt and iv")
	}
}
