// Package storage provides content-addressed storage for node backups.
//
// Sealed share snapshots and exported gap reports are stored by the SHA-256
// hash of their bytes in one of several backends, each selected by a URI:
//
//	file:///var/lib/keyshare/backups
//	s3://bucket/prefix?region=eu-west-1&endpoint=https://minio:9000&force_path_style=true
//	ipfs://127.0.0.1:5001/keyshare?timeout=30s
//	vault://vault.internal:8200/secret/keyshare?tls=true
//
// Each content type lives in its own namespace ("snapshots", "gap-reports").
// Fetch verifies the returned bytes hash to the requested id, so a backend
// can never substitute content.
//
// MultiStorageBackend stores to every available backend and fetches from the
// first that has the content; StorageBackendFactory builds backends and
// multi-backends from URIs.
package storage

import (
	"fmt"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// verifyContent checks data against the id it was requested under.
func verifyContent(id interfaces.ContentID, data []byte) error {
	if got := interfaces.ComputeID(data); got != id {
		return fmt.Errorf("content hash %s does not match id %s", got, id)
	}
	return nil
}
