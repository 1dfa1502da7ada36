package authz

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Requester types carried in a token.
const (
	RequesterOwner     = "owner"
	RequesterDelegatee = "delegatee"
	RequesterRentee    = "rentee"
	RequesterAdmin     = "admin"
)

// Claims is the signed body of an access token.
type Claims struct {
	CapsuleID       string `json:"capsule_id"`
	Requester       string `json:"requester"`
	RequesterType   string `json:"requester_type"`
	BlockNumber     uint64 `json:"block_number"`
	BlockValidation uint64 `json:"block_validation"`
}

// Sign encodes claims as a token signed with an EIP-191 personal signature.
func Sign(claims Claims, key *ecdsa.PrivateKey) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(accounts.TextHash(body), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(body) + "." + hex.EncodeToString(sig), nil
}

// Parse decodes a token and recovers the address that signed it. It does not
// check that the signer matches the requester.
func Parse(token string) (Claims, common.Address, error) {
	encoded, sigHex, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, common.Address{}, errors.New("malformed token")
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, common.Address{}, fmt.Errorf("malformed token body: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return Claims{}, common.Address{}, errors.New("malformed token signature")
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, common.Address{}, fmt.Errorf("malformed token claims: %w", err)
	}

	// wallets produce v in {27, 28}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
	if err != nil {
		return Claims{}, common.Address{}, fmt.Errorf("invalid token signature: %w", err)
	}
	return claims, crypto.PubkeyToAddress(*pub), nil
}
