package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealInfo = "keyshare-seal-v1"

// AESGCMSealer seals data with AES-256-GCM under a key derived from a root
// secret and the enclave measurement. Production enclaves inject a hardware
// sealing key as the root secret; development nodes use a configured one.
type AESGCMSealer struct {
	aead cipher.AEAD
}

// NewAESGCMSealer derives the sealing key with HKDF-SHA256.
// measurement acts as the salt so a different enclave build cannot unseal.
func NewAESGCMSealer(rootSecret, measurement []byte) (*AESGCMSealer, error) {
	if len(rootSecret) < 16 {
		return nil, errors.New("sealing root secret must be at least 16 bytes")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootSecret, measurement, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCMSealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *AESGCMSealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *AESGCMSealer) Unseal(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}
	ns := s.aead.NonceSize()
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal: %w", err)
	}
	return plaintext, nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
