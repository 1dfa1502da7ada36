// Package syncengine reconciles a node's share store with its quorum peers.
//
// A session for a filter (one capsule id or the wildcard) walks the peer
// inventory in deterministic (capsule, index) order with requests of the form
// (filter, PageSize, k*PageSize). Each page is fetched through the scheduler,
// so a page that fails on one peer is retried on the next ranked peer at the
// same offset. Shares travel wrapped to the requesting node's public key and
// are re-sealed locally through the share store; a node never writes a
// peer's record.
//
// A session ends when a page covering fewer than PageSize stored records
// arrives. If the quorum cannot serve a page, or the MaxPages cap is
// reached, the session returns ErrSyncIncomplete; pages committed before
// that stay committed.
//
// Coverage lists the share indices the whole quorum holds for a capsule
// using header-only pages, which carry no key material. The gap auditor
// judges a capsule by that union.
//
// The engine also owns the repair queue consumed by Run. Repair pulls only
// the indices placed on this node, consulting ranked peers one at a time
// until they are held. The gap auditor enqueues capsules and is told about
// each repair outcome through OnRepair.
package syncengine
