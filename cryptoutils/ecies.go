package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const wrapInfo = "keyshare-wrap-v1"

// WrapForNode encrypts data to a node's public key using ECIES: ECDH on P-256
// with a fresh ephemeral key, HKDF-SHA256 and AES-GCM. additionalData is
// authenticated, so a wrapped payload cannot be replayed under another header.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
func WrapForNode(pub NodePubkey, data, additionalData []byte) ([]byte, error) {
	ecdsaPub, err := pub.ECDSA()
	if err != nil {
		return nil, err
	}
	remote, err := ecdsaPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	aead, err := wrapAEAD(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2, 2+len(ephemeralBytes)+len(nonce)+len(data)+aead.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralBytes)))
	out = append(out, ephemeralBytes...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, additionalData), nil
}

// UnwrapForNode decrypts data produced by WrapForNode.
func UnwrapForNode(priv NodePrivkey, wrapped, additionalData []byte) ([]byte, error) {
	ecdsaPriv, err := priv.ECDSA()
	if err != nil {
		return nil, err
	}
	local, err := ecdsaPriv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	if len(wrapped) < 2 {
		return nil, errors.New("wrapped data too short")
	}
	keyLen := int(binary.BigEndian.Uint16(wrapped[:2]))
	if len(wrapped) < 2+keyLen+12 {
		return nil, errors.New("wrapped data has invalid format")
	}
	ephemeralBytes := wrapped[2 : 2+keyLen]
	remote, err := ecdh.P256().NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	aead, err := wrapAEAD(shared, ephemeralBytes)
	if err != nil {
		return nil, err
	}
	rest := wrapped[2+keyLen:]
	if len(rest) < aead.NonceSize() {
		return nil, errors.New("wrapped data has invalid format")
	}
	plaintext, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func wrapAEAD(shared, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(wrapInfo)), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
