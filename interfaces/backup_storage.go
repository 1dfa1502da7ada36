package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ContentID addresses a snapshot or gap report by the SHA-256 of its bytes.
// Snapshots only ever contain sealed records, so the id reveals nothing
// about key material.
type ContentID [32]byte

// ComputeID returns the content id of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// NewContentIDFromHex parses the form printed by String, with or without 0x.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 2*len(ContentID{}) {
		return ContentID{}, fmt.Errorf("content id must be %d hex characters", 2*len(ContentID{}))
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid content id: %w", err)
	}
	return ContentID(raw), nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentType is the namespace an object is kept under in a backend.
type ContentType int

const (
	// SnapshotType holds exports of the sealed share store.
	SnapshotType ContentType = iota
	// GapReportType holds persistent gap reports for operators.
	GapReportType
)

// ContentTypes lists every namespace a backend has to provide.
var ContentTypes = []ContentType{SnapshotType, GapReportType}

func (ct ContentType) String() string {
	switch ct {
	case SnapshotType:
		return "snapshots"
	case GapReportType:
		return "gap-reports"
	default:
		return "unknown"
	}
}

// Backup storage schemes accepted by NewStorageBackendLocation.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeIPFS  = "ipfs"
	SchemeVault = "vault"
)

// StorageBackendLocation is a parsed backup storage URI of the form
// scheme://[user[:password]@]host[:port][/path][?params].
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// User carries inline credentials, such as S3 access keys.
	User *url.Userinfo
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %w", ErrInvalidLocationURI, err)
	}
	switch parsed.Scheme {
	case SchemeFile, SchemeS3, SchemeIPFS, SchemeVault:
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}
	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the URI with any inline password masked, for logs.
func (loc StorageBackendLocation) String() string {
	parsed, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Scheme + "://" + loc.Host
	}
	return parsed.Redacted()
}

func (loc StorageBackendLocation) IsFile() bool  { return loc.Scheme == SchemeFile }
func (loc StorageBackendLocation) IsS3() bool    { return loc.Scheme == SchemeS3 }
func (loc StorageBackendLocation) IsIPFS() bool  { return loc.Scheme == SchemeIPFS }
func (loc StorageBackendLocation) IsVault() bool { return loc.Scheme == SchemeVault }

// Credentials returns the inline user name and password, if any.
func (loc StorageBackendLocation) Credentials() (user, password string) {
	if loc.User == nil {
		return "", ""
	}
	password, _ = loc.User.Password()
	return loc.User.Username(), password
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool accepts the forms of strconv.ParseBool plus "yes".
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	if value == "yes" {
		return true
	}
	b, _ := strconv.ParseBool(value)
	return b
}

var (
	// ErrContentNotFound is returned when no backend holds the requested object.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend keeps snapshots and gap reports off the node. Objects are
// content addressed, so storing the same bytes twice is a no-op.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available reports whether the backend can currently be reached.
	Available(ctx context.Context) bool

	// Name identifies the backend in logs and metrics.
	Name() string
	LocationURI() string
}

// StorageBackendFactory turns --backup-storage locations into backends.
type StorageBackendFactory interface {
	StorageBackendFor(loc StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend writes to every location and reads from the first
	// that has the object.
	CreateMultiBackend(locs []StorageBackendLocation) (StorageBackend, error)
}
