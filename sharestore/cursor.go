package sharestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const cursorBatch = 64

// Cursor walks shares in ascending (version, capsule, index) order. It reads
// lazily in batches and can be resumed from Position after a restart.
type Cursor struct {
	store    *Store
	maxRange util.Range
	buf      []interfaces.KeyShare
	keys     [][]byte
	current  interfaces.KeyShare
	position []byte
	done     bool
	err      error
}

// ListSince returns a cursor over shares with version strictly greater than version.
func (s *Store) ListSince(version uint64) *Cursor {
	if version == ^uint64(0) {
		return &Cursor{store: s, done: true}
	}
	r := versionRange(version + 1)
	return &Cursor{store: s, maxRange: *r}
}

// ResumeFrom continues a cursor after the position it last reported.
func (s *Store) ResumeFrom(position string) (*Cursor, error) {
	key, err := hex.DecodeString(position)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor position: %w", err)
	}
	if _, _, _, err := parseVersionKey(key); err != nil {
		return nil, fmt.Errorf("invalid cursor position: %w", err)
	}
	r := versionRange(0)
	r.Start = successor(key)
	return &Cursor{store: s, maxRange: *r, position: key}, nil
}

// Next advances the cursor. It returns false when the sequence is exhausted
// or an error occurred; check Err.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if len(c.buf) == 0 {
		if c.done {
			return false
		}
		c.fill()
		if c.err != nil || len(c.buf) == 0 {
			return false
		}
	}
	c.current, c.buf = c.buf[0], c.buf[1:]
	c.position, c.keys = c.keys[0], c.keys[1:]
	return true
}

// Share returns the share at the cursor.
func (c *Cursor) Share() interfaces.KeyShare {
	return c.current
}

// Position returns an opaque resume token for the last returned share.
func (c *Cursor) Position() string {
	return hex.EncodeToString(c.position)
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) fill() {
	iter := c.store.db.NewIterator(&c.maxRange, nil)
	defer iter.Release()

	for len(c.buf) < cursorBatch && iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		_, id, index, err := parseVersionKey(key)
		if err != nil {
			c.err = err
			return
		}
		c.maxRange.Start = successor(key)

		ks, err := c.store.getRecord(id, index)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			c.err = err
			return
		}
		c.buf = append(c.buf, ks)
		c.keys = append(c.keys, key)
	}
	if err := iter.Error(); err != nil {
		c.err = err
		return
	}
	if len(c.buf) < cursorBatch {
		c.done = true
	}
}
