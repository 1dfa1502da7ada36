package sharestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Capsule returns the capsule record.
func (s *Store) Capsule(ctx context.Context, id interfaces.CapsuleID) (interfaces.Capsule, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Capsule{}, err
	}
	value, err := s.db.Get(capsuleKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return interfaces.Capsule{}, fmt.Errorf("%w: capsule %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return interfaces.Capsule{}, err
	}
	var capsule interfaces.Capsule
	if err := json.Unmarshal(value, &capsule); err != nil {
		return interfaces.Capsule{}, fmt.Errorf("corrupt capsule record: %w", err)
	}
	return capsule, nil
}

// RegisterCapsule creates a pending capsule record, or updates the media
// reference of an existing one without changing its state.
func (s *Store) RegisterCapsule(ctx context.Context, id interfaces.CapsuleID, mediaRef string) (interfaces.Capsule, error) {
	if err := id.Validate(); err != nil {
		return interfaces.Capsule{}, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	capsule, err := s.Capsule(ctx, id)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		capsule = interfaces.Capsule{ID: id, State: interfaces.CapsulePending}
	case err != nil:
		return interfaces.Capsule{}, err
	}
	capsule.MediaRef = mediaRef
	capsule.UpdatedAt = s.now().UTC()

	if err := s.putCapsule(capsule); err != nil {
		return interfaces.Capsule{}, err
	}
	s.log.Info("Registered capsule",
		slog.String("capsule_id", id.String()),
		slog.String("state", capsule.State.String()))
	return capsule, nil
}

// SetCapsuleState changes the state of an existing capsule. A revoked capsule
// stays revoked.
func (s *Store) SetCapsuleState(ctx context.Context, id interfaces.CapsuleID, state interfaces.CapsuleState) (interfaces.Capsule, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	capsule, err := s.Capsule(ctx, id)
	if err != nil {
		return interfaces.Capsule{}, err
	}
	if capsule.State == interfaces.CapsuleRevoked && state != interfaces.CapsuleRevoked {
		return interfaces.Capsule{}, fmt.Errorf("capsule %s is revoked", id)
	}
	capsule.State = state
	capsule.UpdatedAt = s.now().UTC()

	if err := s.putCapsule(capsule); err != nil {
		return interfaces.Capsule{}, err
	}
	s.log.Info("Changed capsule state",
		slog.String("capsule_id", id.String()),
		slog.String("state", state.String()))
	return capsule, nil
}

// ListCapsules calls fn for every capsule record in id order.
func (s *Store) ListCapsules(ctx context.Context, fn func(interfaces.Capsule) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixCapsule}), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var capsule interfaces.Capsule
		if err := json.Unmarshal(iter.Value(), &capsule); err != nil {
			return fmt.Errorf("corrupt capsule record: %w", err)
		}
		if err := fn(capsule); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) putCapsule(capsule interfaces.Capsule) error {
	value, err := json.Marshal(capsule)
	if err != nil {
		return err
	}
	return s.db.Put(capsuleKey(capsule.ID), value, nil)
}
