package interfaces

import (
	"context"
	"time"
)

// Sealer binds data to the enclave identity of the local node.
type Sealer interface {
	// Seal encrypts plaintext; additionalData is authenticated but not encrypted.
	Seal(plaintext, additionalData []byte) ([]byte, error)

	// Unseal reverses Seal. It fails if either input was tampered with.
	Unseal(sealed, additionalData []byte) ([]byte, error)
}

// Indexer is the authoritative source of which capsules must exist.
type Indexer interface {
	// ListExpectedCapsules calls fn for every expected capsule. Returning an
	// error from fn stops the listing and the error is returned.
	ListExpectedCapsules(ctx context.Context, fn func(CapsuleID) error) error
}

// AuthorizationVerifier decides whether a token grants access to a capsule.
type AuthorizationVerifier interface {
	Verify(ctx context.Context, token string, id CapsuleID) (Capabilities, error)
}

// PeerTransport carries requests to other quorum nodes.
type PeerTransport interface {
	// FetchPage retrieves one page of the peer's inventory.
	FetchPage(ctx context.Context, peer PeerNode, page SyncPage) (*SyncPageResponse, error)

	// Ping checks liveness of the peer.
	Ping(ctx context.Context, peer PeerNode) error

	// NodeInfo fetches what a node publishes about itself.
	NodeInfo(ctx context.Context, address string) (*NodeInfo, error)
}

// PutResult reports whether a put changed durable state.
type PutResult struct {
	Written bool
	Version uint64
}

// ShareStore is the local durable store of sealed key-shares.
type ShareStore interface {
	// Put seals and commits a share. See ErrIntegrityMismatch and ErrAlreadySealed.
	Put(ctx context.Context, m ShareMaterial) (PutResult, error)

	// Get returns the lowest-index share held for the capsule.
	Get(ctx context.Context, id CapsuleID) (KeyShare, error)

	// GetIndex returns a specific share.
	GetIndex(ctx context.Context, id CapsuleID, index uint8) (KeyShare, error)

	// Shares returns every share held for the capsule, ordered by index.
	Shares(ctx context.Context, id CapsuleID) ([]KeyShare, error)

	// Page returns one page of shares matching the filter in (capsule, index) order.
	Page(ctx context.Context, page SyncPage) ([]KeyShare, error)

	// Unseal recovers the plaintext of a stored share inside the node.
	Unseal(ks KeyShare) (ShareMaterial, error)

	// Capsule returns the capsule record.
	Capsule(ctx context.Context, id CapsuleID) (Capsule, error)

	// HeldIndices returns the share indices held for the capsule.
	HeldIndices(ctx context.Context, id CapsuleID) ([]uint8, error)

	// Watermark returns the highest share version held for the filter.
	Watermark(ctx context.Context, filter SyncFilter) (uint64, error)
}

// Clock returns the current time. Components take it for deterministic tests.
type Clock func() time.Time
