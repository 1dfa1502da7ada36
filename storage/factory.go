package storage

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

func NewStorageBackendFactory(log *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: log}
}

// StorageBackendFor creates a backend for a location. See the package
// documentation for the URI forms.
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch {
	case loc.IsFile():
		return sf.createFileBackend(loc)
	case loc.IsS3():
		return sf.createS3Backend(loc)
	case loc.IsIPFS():
		return sf.createIPFSBackend(loc)
	case loc.IsVault():
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a backend over every location that could be
// configured. It fails only if none could.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("location", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// file:///absolute/path or file://./relative/path
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileBackend(path, sf.log)
}

// s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=&endpoint=&force_path_style=true
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	cfg := S3Config{
		Bucket:         loc.Host,
		Prefix:         loc.Path,
		Region:         loc.GetParam("region"),
		Endpoint:       loc.GetParam("endpoint"),
		ForcePathStyle: loc.GetParamBool("force_path_style"),
	}
	cfg.AccessKey, cfg.SecretKey = loc.Credentials()
	return NewS3Backend(cfg, sf.log)
}

// ipfs://host[:port]/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	address := loc.Host
	if address == "" {
		return nil, fmt.Errorf("%w: missing IPFS API host", interfaces.ErrInvalidLocationURI)
	}
	if !strings.Contains(address, ":") {
		address += ":5001"
	}

	root := loc.Path
	if strings.Trim(root, "/") == "" {
		root = "/keyshare"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}
	return NewIPFSBackend(address, root, timeout, sf.log), nil
}

// vault://host:port/mount/path?tls=false&token_env=VAULT_TOKEN
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if loc.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	var token string
	if env := loc.GetParam("token_env"); env != "" {
		token = os.Getenv(env)
	}
	return NewVaultBackend(scheme+"://"+loc.Host, mount, dataPath, token, sf.log)
}
