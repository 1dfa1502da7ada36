// Package interfaces defines the types shared by the components of a key-share
// node and the contracts between them.
//
// # Shares
//
// A capsule key is split into shares with distinct indices. ShareMaterial is a
// share in the clear with its ShareHeader; KeyShare is the same share as stored,
// with the payload sealed. ComputeIntegrityTag binds a payload to its capsule
// and index so a tampered or misplaced share is detected wherever it arrives.
//
// # Collaborators
//
//   - ShareStore: sealed persistence with per-capsule and versioned listings
//   - PeerTransport: paged inventory fetches and liveness checks against peers
//   - AuthorizationVerifier: decides whether a token grants access to a capsule
//   - Indexer: lists the capsules the quorum is expected to hold
//   - Sealer: binds stored data to the enclave
//
// # Storage
//
// StorageBackend is content-addressed storage (ContentID is the SHA-256 of the
// content) used for snapshots and gap reports. StorageBackendLocation parses
// the backend URIs accepted by the storage package.
//
// # Errors
//
// Sentinel errors in errors.go are matched with errors.Is across package and
// HTTP boundaries.
package interfaces
