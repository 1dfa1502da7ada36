package sharestore

import (
	"encoding/binary"
	"errors"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout. Capsule ids never contain 0x00, so the separator keeps
// (id, index) ordering intact.
const (
	prefixShare   byte = 'S' // S id 0x00 index -> shareRecord
	prefixVersion byte = 'V' // V version(8) id 0x00 index -> empty
	prefixCapsule byte = 'C' // C id -> interfaces.Capsule
)

const separator byte = 0x00

func shareKey(id interfaces.CapsuleID, index uint8) []byte {
	key := make([]byte, 0, len(id)+3)
	key = append(key, prefixShare)
	key = append(key, id...)
	return append(key, separator, index)
}

func capsuleSharesRange(id interfaces.CapsuleID) *util.Range {
	prefix := make([]byte, 0, len(id)+2)
	prefix = append(prefix, prefixShare)
	prefix = append(prefix, id...)
	prefix = append(prefix, separator)
	return util.BytesPrefix(prefix)
}

func filterRange(filter interfaces.SyncFilter) *util.Range {
	if filter.IsWildcard() {
		return util.BytesPrefix([]byte{prefixShare})
	}
	return capsuleSharesRange(filter.CapsuleID())
}

func versionKey(version uint64, id interfaces.CapsuleID, index uint8) []byte {
	key := make([]byte, 9, len(id)+11)
	key[0] = prefixVersion
	binary.BigEndian.PutUint64(key[1:9], version)
	key = append(key, id...)
	return append(key, separator, index)
}

// versionRange covers version index entries with version >= from.
func versionRange(from uint64) *util.Range {
	start := make([]byte, 9)
	start[0] = prefixVersion
	binary.BigEndian.PutUint64(start[1:], from)
	return &util.Range{Start: start, Limit: []byte{prefixVersion + 1}}
}

func parseVersionKey(key []byte) (uint64, interfaces.CapsuleID, uint8, error) {
	if len(key) < 12 || key[0] != prefixVersion || key[len(key)-2] != separator {
		return 0, "", 0, errors.New("malformed version key")
	}
	version := binary.BigEndian.Uint64(key[1:9])
	id := interfaces.CapsuleID(key[9 : len(key)-2])
	return version, id, key[len(key)-1], nil
}

func capsuleKey(id interfaces.CapsuleID) []byte {
	key := make([]byte, 0, len(id)+1)
	key = append(key, prefixCapsule)
	return append(key, id...)
}

// sealAAD binds a sealed payload to its position in the store.
func sealAAD(id interfaces.CapsuleID, index uint8) []byte {
	aad := make([]byte, 0, len(id)+2)
	aad = append(aad, id...)
	return append(aad, separator, index)
}

// successor returns the smallest key strictly greater than key.
func successor(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}
