package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// IPFSBackend stores content in the mutable file system of an IPFS node,
// under <root>/<content type>/<id>, so content stays pinned and is found by
// its SHA-256 id.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddress  string
	root        string
	log         *slog.Logger
	locationURI string
}

func NewIPFSBackend(apiAddress, root string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	sh := shell.NewShell(apiAddress)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	root = "/" + strings.Trim(root, "/")

	return &IPFSBackend{
		shell:       sh,
		apiAddress:  apiAddress,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiAddress, root, timeout),
	}
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	p := b.path(id, contentType)

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read from IPFS", slog.String("path", p), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p := b.path(id, contentType)

	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", p),
		slog.String("content_id", id.String()))
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddress)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) path(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.root, contentType.String(), id.String())
}
