// Package interfaces defines the core interfaces and types shared by the
// key-share quorum node. It provides the contract between components without
// implementation details.
package interfaces

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
)

type NodePubkey = cryptoutils.NodePubkey
type NodePrivkey = cryptoutils.NodePrivkey

// MaxCapsuleIDLength bounds capsule identifiers in bytes.
const MaxCapsuleIDLength = 128

// CapsuleID identifies an NFT-linked encrypted media unit.
type CapsuleID string

// NewCapsuleID creates a capsule identifier with validation.
func NewCapsuleID(s string) (CapsuleID, error) {
	id := CapsuleID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks the identifier is non-empty, bounded and printable.
func (id CapsuleID) Validate() error {
	if len(id) == 0 {
		return errors.New("empty capsule id")
	}
	if len(id) > MaxCapsuleIDLength {
		return fmt.Errorf("capsule id exceeds %d bytes", MaxCapsuleIDLength)
	}
	if string(id) == WildcardFilter {
		return errors.New("wildcard is not a capsule id")
	}
	for _, r := range string(id) {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("capsule id contains invalid character %q", r)
		}
	}
	return nil
}

func (id CapsuleID) String() string {
	return string(id)
}

// CapsuleState tracks the lifecycle of a capsule record.
type CapsuleState int

const (
	// CapsulePending is registered but holds no committed share yet.
	CapsulePending CapsuleState = iota
	// CapsuleKeyed holds at least one committed share.
	CapsuleKeyed
	// CapsuleRevoked is no longer served.
	CapsuleRevoked
)

func (s CapsuleState) String() string {
	switch s {
	case CapsulePending:
		return "pending"
	case CapsuleKeyed:
		return "keyed"
	case CapsuleRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

func (s CapsuleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CapsuleState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = CapsulePending
	case "keyed":
		*s = CapsuleKeyed
	case "revoked":
		*s = CapsuleRevoked
	default:
		return fmt.Errorf("unknown capsule state %q", text)
	}
	return nil
}

// Capsule is the node-local record of a capsule. Records are never deleted.
type Capsule struct {
	ID        CapsuleID    `json:"id"`
	MediaRef  string       `json:"media_ref,omitempty"`
	State     CapsuleState `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IntegrityTag is a SHA-256 digest binding a share payload to its capsule and index.
type IntegrityTag [32]byte

// ComputeIntegrityTag derives the tag for a share. The tag does not depend on
// the node, so two nodes holding the same share agree on it.
func ComputeIntegrityTag(id CapsuleID, index uint8, payload []byte) IntegrityTag {
	h := sha256.New()
	h.Write([]byte("keyshare-tag-v1"))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(id)))
	h.Write(l[:])
	h.Write([]byte(id))
	h.Write([]byte{index})
	h.Write(payload)

	var tag IntegrityTag
	copy(tag[:], h.Sum(nil))
	return tag
}

// NewIntegrityTagFromHex parses a hex-encoded tag.
func NewIntegrityTagFromHex(s string) (IntegrityTag, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return IntegrityTag{}, errors.New("invalid integrity tag length: hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return IntegrityTag{}, fmt.Errorf("invalid hex format: %w", err)
	}
	var tag IntegrityTag
	copy(tag[:], raw)
	return tag, nil
}

func (t IntegrityTag) String() string {
	return hex.EncodeToString(t[:])
}

func (t IntegrityTag) IsZero() bool {
	return t == IntegrityTag{}
}

func (t IntegrityTag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *IntegrityTag) UnmarshalText(text []byte) error {
	parsed, err := NewIntegrityTagFromHex(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ShareHeader is the unsealed, indexable part of a key-share record.
type ShareHeader struct {
	CapsuleID CapsuleID    `json:"capsule_id"`
	Index     uint8        `json:"index"`
	Version   uint64       `json:"version"`
	Tag       IntegrityTag `json:"tag"`
	CreatedAt time.Time    `json:"created_at"`
}

// Validate checks header fields that do not depend on the payload.
func (h ShareHeader) Validate() error {
	if err := h.CapsuleID.Validate(); err != nil {
		return err
	}
	if h.Index == 0 {
		return errors.New("share index must be positive")
	}
	return nil
}

// KeyShare is a share record as persisted: header plus sealed payload.
type KeyShare struct {
	ShareHeader
	Sealed []byte `json:"sealed"`
}

// ShareMaterial is a share in plaintext. It only exists in enclave memory
// between unseal and seal and is never persisted or returned to callers.
type ShareMaterial struct {
	ShareHeader
	Payload []byte `json:"-"`
}

// Verify checks that the payload matches the header tag.
func (m *ShareMaterial) Verify() error {
	if err := m.ShareHeader.Validate(); err != nil {
		return err
	}
	if ComputeIntegrityTag(m.CapsuleID, m.Index, m.Payload) != m.Tag {
		return fmt.Errorf("%w: capsule %s index %d", ErrIntegrityMismatch, m.CapsuleID, m.Index)
	}
	return nil
}

// Wipe zeroes the plaintext payload.
func (m *ShareMaterial) Wipe() {
	for i := range m.Payload {
		m.Payload[i] = 0
	}
	m.Payload = nil
}

// PeerID identifies a quorum node.
type PeerID string

// PeerNode describes a quorum member as seen by the local directory.
type PeerNode struct {
	ID                     PeerID     `json:"id"`
	Address                string     `json:"address"`
	AttestationFingerprint string     `json:"attestation_fingerprint,omitempty"`
	PublicKey              NodePubkey `json:"public_key,omitempty"`
}

// NodeInfo is what a node publishes about itself.
type NodeInfo struct {
	ID              PeerID     `json:"id"`
	Address         string     `json:"address"`
	PublicKey       NodePubkey `json:"public_key"`
	AttestationType string     `json:"attestation_type"`
	Attestation     []byte     `json:"attestation"`
}

// WildcardFilter selects every capsule.
const WildcardFilter = "*"

// SyncFilter is either a single capsule id or the wildcard.
type SyncFilter string

// FilterFor returns an exact filter for a capsule.
func FilterFor(id CapsuleID) SyncFilter {
	return SyncFilter(id)
}

func (f SyncFilter) IsWildcard() bool {
	return string(f) == WildcardFilter
}

// CapsuleID returns the exact capsule of a non-wildcard filter.
func (f SyncFilter) CapsuleID() CapsuleID {
	return CapsuleID(f)
}

func (f SyncFilter) Validate() error {
	if f.IsWildcard() {
		return nil
	}
	return f.CapsuleID().Validate()
}

func (f SyncFilter) String() string {
	return string(f)
}

// SyncPage requests one bounded page of a peer's inventory.
type SyncPage struct {
	Filter   SyncFilter `json:"filter"`
	PageSize int        `json:"page_size"`
	Offset   int        `json:"offset"`
	// HeadersOnly asks for share headers without payloads.
	HeadersOnly bool `json:"headers_only,omitempty"`
}

// WireShare carries a share between nodes, with the payload encrypted to
// the receiving node's public key.
type WireShare struct {
	ShareHeader
	Wrapped []byte `json:"wrapped"`
}

// WireAAD binds a wrapped payload to its header and recipient, so a wrapped
// share cannot be replayed under another index, version or node.
func (h ShareHeader) WireAAD(recipient PeerID) []byte {
	aad := make([]byte, 0, 64+len(h.CapsuleID)+len(recipient))
	aad = append(aad, "keyshare-wire-v1"...)
	aad = binary.BigEndian.AppendUint16(aad, uint16(len(h.CapsuleID)))
	aad = append(aad, h.CapsuleID...)
	aad = append(aad, h.Index)
	aad = binary.BigEndian.AppendUint64(aad, h.Version)
	aad = append(aad, h.Tag[:]...)
	aad = append(aad, recipient...)
	return aad
}

// SyncPageResponse answers a SyncPage.
type SyncPageResponse struct {
	NodeID PeerID      `json:"node_id"`
	Filter SyncFilter  `json:"filter"`
	Offset int         `json:"offset"`
	Shares []WireShare `json:"shares"`
	// Scanned is the number of stored records the page covers. It exceeds
	// len(Shares) when records that could not be served were left out.
	Scanned int `json:"scanned"`
}

// Advance returns how far the next page's offset moves past this one.
func (r *SyncPageResponse) Advance() int {
	if r.Scanned > 0 {
		return r.Scanned
	}
	return len(r.Shares)
}

// QuoteRequest asks for one share of a capsule. Never persisted.
type QuoteRequest struct {
	Caller     string    `json:"caller"`
	CapsuleID  CapsuleID `json:"capsule_id"`
	Token      string    `json:"token"`
	ShareIndex uint8     `json:"share_index,omitempty"`
}

// SealedShareGrant is the only form in which a share leaves the quote service.
type SealedShareGrant struct {
	GrantID    string       `json:"grant_id"`
	CapsuleID  CapsuleID    `json:"capsule_id"`
	ShareIndex uint8        `json:"share_index"`
	Version    uint64       `json:"version"`
	Tag        IntegrityTag `json:"tag"`
	Sealed     []byte       `json:"sealed"`
	NodeID     PeerID       `json:"node_id"`
	IssuedAt   time.Time    `json:"issued_at"`
	Relation   string       `json:"relation,omitempty"`
}

// Capabilities is the outcome of a successful authorization check.
type Capabilities struct {
	Requester string `json:"requester"`
	Relation  string `json:"relation"`
}

// Gap is a capsule with fewer distinct share indices than the threshold.
type Gap struct {
	CapsuleID  CapsuleID `json:"capsule_id"`
	Missing    []int     `json:"missing_share_indices"`
	Held       int       `json:"held"`
	Cycles     int       `json:"cycles"`
	Persistent bool      `json:"persistent"`
	FirstSeen  time.Time `json:"first_seen"`

	LastRepairAt    time.Time `json:"last_repair_at,omitempty"`
	LastRepairError string    `json:"last_repair_error,omitempty"`
}
