package interfaces

import "errors"

var (
	// ErrNotFound is returned when no share exists locally or in the quorum.
	ErrNotFound = errors.New("not found")

	// ErrIntegrityMismatch is returned when a share's payload does not match its
	// integrity tag, or when a put conflicts with the tag already stored.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrAlreadySealed is returned for a stale put: a newer version of the same
	// share is already sealed locally.
	ErrAlreadySealed = errors.New("already sealed")

	// ErrQuorumUnreachable is returned when every ranked peer failed within the
	// allotted rounds or deadline.
	ErrQuorumUnreachable = errors.New("quorum unreachable")

	// ErrQuorumNotMet is returned by the quote service when the share is not held
	// locally and could not be obtained from the quorum in time.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrRateLimited is returned when a caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrSyncIncomplete is returned when a sync session stopped before reaching
	// the end of the peer inventory. Pages committed before the error are kept.
	ErrSyncIncomplete = errors.New("sync incomplete")

	// ErrUnauthorized is returned when the caller may not access the capsule.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPeerBusy is returned when a session for the same peer and filter is
	// already running.
	ErrPeerBusy = errors.New("peer busy")
)
