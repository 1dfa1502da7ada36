// Package sharestore persists key shares in goleveldb.
//
// Each share is stored under (capsule id, index) with its payload sealed by
// an interfaces.Sealer. A secondary version index orders every share by the
// version it was last written at, which serves the incremental listings used
// by synchronisation (ListSince, ResumeFrom) and the paged inventory served to
// peers (Page).
//
// Writes are guarded by a per-capsule lock. A Put for a share that already
// exists must carry the same integrity tag; a newer version advances the
// record and an older one is refused with interfaces.ErrAlreadySealed.
//
// Capsule records (pending, keyed, revoked) live in the same database. The
// first share written for a pending capsule marks it keyed.
package sharestore
