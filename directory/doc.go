// Package directory keeps the set of quorum peers and a reliability metric for
// each of them.
//
// Heartbeats update an exponentially weighted score from success and latency.
// Scores decay with a half-life while a peer is silent, and consecutive
// failures divide the effective score. Rank orders peers by effective score;
// a peer without a successful heartbeat for longer than the exclusion window
// is dropped from the ranking until Reinstate is called.
//
// The directory also remembers, per peer and sync filter, the highest version
// synchronised from that peer so later sessions can start incrementally.
//
// Prober turns periodic pings into heartbeats.
package directory
