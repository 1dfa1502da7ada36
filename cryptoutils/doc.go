// Package cryptoutils provides the cryptographic primitives of a key-share node.
//
// # Sealing
//
// AESGCMSealer implements interfaces.Sealer. The sealing key is derived with
// HKDF-SHA256 from a root secret and the enclave measurement, so data sealed by
// one enclave build cannot be unsealed by another.
//
// # Share transport
//
// Shares move between nodes encrypted to the receiving node's P-256 public key
// (WrapForNode / UnwrapForNode). The share header is passed as additional data,
// which prevents a wrapped payload from being replayed under another header.
//
// The wrapped format is:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
//
// # Attestation
//
// Nodes attest over NodeReportData(nodeID, pubkey). Peers verify the attestation
// with VerifyNodeAttestation and remember the resulting measurement fingerprint.
// Requests proxied through an aTLS terminator carry measurement headers that
// FingerprintFromATLS turns into the same fingerprint.
package cryptoutils
