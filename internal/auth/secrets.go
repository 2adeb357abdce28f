package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const secretKeySize = 32

// SecretBox reversibly encrypts credential passwords for storage. The key
// is read from a file, generated on first use. Passwords must be
// recoverable because they are replayed against the upstream login flow.
type SecretBox struct {
	key [secretKeySize]byte
}

// NewSecretBox loads the encryption key from keyFile, creating it with a
// fresh random key when the file does not exist yet.
func NewSecretBox(keyFile string) (*SecretBox, error) {
	raw, err := os.ReadFile(keyFile)
	if errors.Is(err, os.ErrNotExist) {
		raw, err = createKeyFile(keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret key: %w", err)
	}
	if len(raw) != secretKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", secretKeySize, len(raw))
	}

	sb := &SecretBox{}
	copy(sb.key[:], raw)
	return sb, nil
}

func createKeyFile(keyFile string) ([]byte, error) {
	key := make([]byte, secretKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals a plaintext secret and returns it base64 encoded.
func (s *SecretBox) Encrypt(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *SecretBox) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	if len(sealed) < 24 {
		return "", fmt.Errorf("sealed secret too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed secret")
	}
	return string(plain), nil
}
