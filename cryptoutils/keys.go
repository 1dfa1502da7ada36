package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// NodePubkey is a node's P-256 transport public key in PEM format.
type NodePubkey []byte

// NewNodePubkey creates a public key object from PEM-encoded data with validation.
func NewNodePubkey(data []byte) (NodePubkey, error) {
	if _, err := NodePubkey(data).ECDSA(); err != nil {
		return nil, err
	}
	return NodePubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub NodePubkey) Validate() error {
	_, err := pub.ECDSA()
	return err
}

// ECDSA returns the parsed public key.
func (pub NodePubkey) ECDSA() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 public key")
	}
	return key, nil
}

// Fingerprint returns the hex SHA-256 of the PEM bytes.
func (pub NodePubkey) Fingerprint() string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// NodePrivkey is a node's P-256 transport private key in PEM format.
type NodePrivkey []byte

// ECDSA returns the parsed private key.
func (priv NodePrivkey) ECDSA() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// Pubkey derives the matching public key.
func (priv NodePrivkey) Pubkey() (NodePubkey, error) {
	key, err := priv.ECDSA()
	if err != nil {
		return nil, err
	}
	return marshalPubkey(&key.PublicKey)
}

// NewNodeKeypair generates a fresh P-256 key pair.
func NewNodeKeypair() (NodePubkey, NodePrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pub, err := marshalPubkey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return pub, NodePrivkey(privateKeyPEM), nil
}

// LoadOrCreateNodeKey reads a PEM private key from path, generating and
// writing a new one if the file does not exist.
func LoadOrCreateNodeKey(path string) (NodePubkey, NodePrivkey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv := NodePrivkey(data)
		pub, err := priv.Pubkey()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid node key at %s: %w", path, err)
		}
		return pub, priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	pub, priv, err := NewNodeKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, nil, fmt.Errorf("could not persist node key: %w", err)
	}
	return pub, priv, nil
}

func marshalPubkey(key *ecdsa.PublicKey) (NodePubkey, error) {
	pubkeyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return NodePubkey(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})), nil
}
