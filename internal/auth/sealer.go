package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts provider credentials at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// NoopSealer stores credentials base64 encoded only (development mode).
type NoopSealer struct{}

func (NoopSealer) Seal(plaintext []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(plaintext), nil
}

func (NoopSealer) Open(sealed string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(sealed)
}

// XChaChaSealer seals with XChaCha20-Poly1305. The output is
// base64(nonce || ciphertext || tag).
type XChaChaSealer struct {
	aead cipher.AEAD
}

func NewSealer(hexKey string) (*XChaChaSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credential key hex: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &XChaChaSealer{aead: aead}, nil
}

func (s *XChaChaSealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *XChaChaSealer) Open(sealed string) ([]byte, error) {
	buf, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(buf) < nonceSize {
		return nil, errors.New("sealed credential too short")
	}

	plaintext, err := s.aead.Open(nil, buf[:nonceSize], buf[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential: %w", err)
	}
	return plaintext, nil
}
