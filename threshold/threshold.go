// Package threshold splits capsule keys into key-shares and recombines them.
//
// Keys are split with Shamir's Secret Sharing over GF(2^8). The share at
// position p of the split output gets index p+1, so indices run 1..TotalShares
// and any Threshold distinct indices recover the key.
package threshold

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// MinKeyLength is the shortest capsule key accepted for splitting.
const MinKeyLength = 16

// Scheme holds the threshold parameters of a deployment.
type Scheme struct {
	Threshold   int
	TotalShares int
}

func DefaultScheme() Scheme {
	return Scheme{Threshold: 2, TotalShares: 3}
}

func (s Scheme) Validate() error {
	if s.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if s.TotalShares < s.Threshold {
		return errors.New("total shares must be at least equal to threshold")
	}
	if s.TotalShares > 255 {
		return errors.New("total shares cannot exceed 255")
	}
	return nil
}

// Split divides key into TotalShares shares of the capsule, all at the given
// version, with integrity tags computed over each share payload.
func (s Scheme) Split(id interfaces.CapsuleID, key []byte, version uint64) ([]interfaces.ShareMaterial, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key must be at least %d bytes", MinKeyLength)
	}

	parts, err := shamir.Split(key, s.TotalShares, s.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split key: %w", err)
	}

	now := time.Now().UTC()
	shares := make([]interfaces.ShareMaterial, len(parts))
	for i, part := range parts {
		index := uint8(i + 1)
		shares[i] = interfaces.ShareMaterial{
			ShareHeader: interfaces.ShareHeader{
				CapsuleID: id,
				Index:     index,
				Version:   version,
				Tag:       interfaces.ComputeIntegrityTag(id, index, part),
				CreatedAt: now,
			},
			Payload: part,
		}
	}
	return shares, nil
}

// Combine recovers the key from at least threshold distinct shares of one
// capsule. Every share is checked against its integrity tag first.
func Combine(threshold int, shares []interfaces.ShareMaterial) ([]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	var id interfaces.CapsuleID
	byIndex := make(map[uint8][]byte, len(shares))
	for i := range shares {
		share := &shares[i]
		if err := share.Verify(); err != nil {
			return nil, err
		}
		if id == "" {
			id = share.CapsuleID
		} else if share.CapsuleID != id {
			return nil, fmt.Errorf("shares belong to different capsules: %s and %s", id, share.CapsuleID)
		}
		byIndex[share.Index] = share.Payload
	}
	if len(byIndex) < threshold {
		return nil, fmt.Errorf("need %d distinct shares, have %d", threshold, len(byIndex))
	}

	parts := make([][]byte, 0, len(byIndex))
	for _, payload := range byIndex {
		parts = append(parts, payload)
	}
	key, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return key, nil
}

// Assign distributes shares over nodes round-robin, placing each share on
// replicas consecutive nodes. Node order is normalised so the plan is stable.
func Assign(shares []interfaces.ShareMaterial, nodes []interfaces.PeerID, replicas int) (map[interfaces.PeerID][]interfaces.ShareMaterial, error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes to assign shares to")
	}
	if replicas < 1 || replicas > len(nodes) {
		return nil, fmt.Errorf("replicas must be between 1 and %d", len(nodes))
	}

	sorted := sortedNodes(nodes)

	plan := make(map[interfaces.PeerID][]interfaces.ShareMaterial, len(sorted))
	for i, share := range shares {
		for r := 0; r < replicas; r++ {
			node := sorted[(i+r)%len(sorted)]
			plan[node] = append(plan[node], share)
		}
	}
	return plan, nil
}

// IndicesFor returns, in ascending order, the indices Assign places on node
// when a capsule split into total shares is distributed over nodes.
func IndicesFor(node interfaces.PeerID, nodes []interfaces.PeerID, total, replicas int) ([]uint8, error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes to assign shares to")
	}
	if replicas < 1 || replicas > len(nodes) {
		return nil, fmt.Errorf("replicas must be between 1 and %d", len(nodes))
	}
	if total < 1 || total > 255 {
		return nil, errors.New("total shares must be between 1 and 255")
	}

	sorted := sortedNodes(nodes)
	var indices []uint8
	for i := 0; i < total; i++ {
		for r := 0; r < replicas; r++ {
			if sorted[(i+r)%len(sorted)] == node {
				indices = append(indices, uint8(i+1))
				break
			}
		}
	}
	return indices, nil
}

func sortedNodes(nodes []interfaces.PeerID) []interfaces.PeerID {
	sorted := append([]interfaces.PeerID(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}
