package sharestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MaxPageSize bounds a single Page call.
const MaxPageSize = 1000

// Store is a goleveldb-backed interfaces.ShareStore. Payloads are sealed
// before they reach the database; headers stay in the clear for indexing.
type Store struct {
	db      *leveldb.DB
	sealer  interfaces.Sealer
	locks   *idLocks
	log     *slog.Logger
	metrics *metrics.NodeMetrics
	now     interfaces.Clock
}

// Open opens or creates a store at path.
func Open(path string, sealer interfaces.Sealer, log *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("could not open share store at %s: %w", path, err)
	}
	return newStore(db, sealer, log), nil
}

// OpenInMemory creates a store that lives only as long as the process.
func OpenInMemory(sealer interfaces.Sealer, log *slog.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, sealer, log), nil
}

func newStore(db *leveldb.DB, sealer interfaces.Sealer, log *slog.Logger) *Store {
	return &Store{
		db:     db,
		sealer: sealer,
		locks:  newIDLocks(),
		log:    log,
		now:    time.Now,
	}
}

// WithMetrics attaches node metrics.
func (s *Store) WithMetrics(m *metrics.NodeMetrics) *Store {
	s.metrics = m
	return s
}

// WithClock overrides the time source.
func (s *Store) WithClock(now interfaces.Clock) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put validates, seals and commits a share.
func (s *Store) Put(ctx context.Context, m interfaces.ShareMaterial) (interfaces.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.PutResult{}, err
	}
	if err := m.Verify(); err != nil {
		if errors.Is(err, interfaces.ErrIntegrityMismatch) {
			s.metrics.IntegrityMismatch()
			s.log.Error("Rejected share with invalid integrity tag",
				slog.String("capsule_id", m.CapsuleID.String()),
				slog.Int("index", int(m.Index)))
		}
		return interfaces.PutResult{}, err
	}

	unlock := s.locks.lock(m.CapsuleID)
	defer unlock()

	existing, err := s.getRecord(m.CapsuleID, m.Index)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return s.writeNew(m)
	case err != nil:
		return interfaces.PutResult{}, err
	case existing.Tag != m.Tag:
		s.metrics.IntegrityMismatch()
		s.log.Error("Conflicting integrity tag for stored share",
			slog.String("capsule_id", m.CapsuleID.String()),
			slog.Int("index", int(m.Index)),
			slog.String("stored_tag", existing.Tag.String()),
			slog.String("incoming_tag", m.Tag.String()))
		return interfaces.PutResult{}, fmt.Errorf("%w: capsule %s index %d conflicts with stored share", interfaces.ErrIntegrityMismatch, m.CapsuleID, m.Index)
	case m.Version == existing.Version:
		return interfaces.PutResult{Written: false, Version: existing.Version}, nil
	case m.Version < existing.Version:
		return interfaces.PutResult{Version: existing.Version}, fmt.Errorf("%w: capsule %s index %d has version %d", interfaces.ErrAlreadySealed, m.CapsuleID, m.Index, existing.Version)
	default:
		return s.advanceVersion(existing, m.Version)
	}
}

func (s *Store) writeNew(m interfaces.ShareMaterial) (interfaces.PutResult, error) {
	sealed, err := s.sealer.Seal(m.Payload, sealAAD(m.CapsuleID, m.Index))
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("could not seal share: %w", err)
	}

	header := m.ShareHeader
	if header.CreatedAt.IsZero() {
		header.CreatedAt = s.now().UTC()
	}
	record, err := json.Marshal(interfaces.KeyShare{ShareHeader: header, Sealed: sealed})
	if err != nil {
		return interfaces.PutResult{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(shareKey(header.CapsuleID, header.Index), record)
	batch.Put(versionKey(header.Version, header.CapsuleID, header.Index), nil)
	if err := s.markKeyed(batch, header.CapsuleID); err != nil {
		return interfaces.PutResult{}, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return interfaces.PutResult{}, fmt.Errorf("could not commit share: %w", err)
	}

	s.metrics.ShareWritten()
	s.log.Debug("Stored share",
		slog.String("capsule_id", header.CapsuleID.String()),
		slog.Int("index", int(header.Index)),
		slog.Uint64("version", header.Version))
	return interfaces.PutResult{Written: true, Version: header.Version}, nil
}

func (s *Store) advanceVersion(existing interfaces.KeyShare, version uint64) (interfaces.PutResult, error) {
	previous := existing.Version
	existing.Version = version
	record, err := json.Marshal(existing)
	if err != nil {
		return interfaces.PutResult{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(shareKey(existing.CapsuleID, existing.Index), record)
	batch.Delete(versionKey(previous, existing.CapsuleID, existing.Index))
	batch.Put(versionKey(version, existing.CapsuleID, existing.Index), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return interfaces.PutResult{}, fmt.Errorf("could not commit share version: %w", err)
	}

	s.metrics.ShareWritten()
	s.log.Debug("Advanced share version",
		slog.String("capsule_id", existing.CapsuleID.String()),
		slog.Int("index", int(existing.Index)),
		slog.Uint64("from", previous),
		slog.Uint64("to", version))
	return interfaces.PutResult{Written: true, Version: version}, nil
}

// markKeyed moves the capsule record to keyed unless it is revoked.
// Caller holds the capsule lock.
func (s *Store) markKeyed(batch *leveldb.Batch, id interfaces.CapsuleID) error {
	capsule, err := s.Capsule(context.Background(), id)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		capsule = interfaces.Capsule{ID: id}
	case err != nil:
		return err
	}
	if capsule.State != interfaces.CapsulePending {
		return nil
	}
	capsule.State = interfaces.CapsuleKeyed
	capsule.UpdatedAt = s.now().UTC()

	value, err := json.Marshal(capsule)
	if err != nil {
		return err
	}
	batch.Put(capsuleKey(id), value)
	return nil
}

func (s *Store) getRecord(id interfaces.CapsuleID, index uint8) (interfaces.KeyShare, error) {
	value, err := s.db.Get(shareKey(id, index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return interfaces.KeyShare{}, interfaces.ErrNotFound
	}
	if err != nil {
		return interfaces.KeyShare{}, err
	}
	return decodeRecord(value)
}

func decodeRecord(value []byte) (interfaces.KeyShare, error) {
	var ks interfaces.KeyShare
	if err := json.Unmarshal(value, &ks); err != nil {
		return interfaces.KeyShare{}, fmt.Errorf("corrupt share record: %w", err)
	}
	return ks, nil
}

// Get returns the lowest-index share held for the capsule.
func (s *Store) Get(ctx context.Context, id interfaces.CapsuleID) (interfaces.KeyShare, error) {
	shares, err := s.scan(ctx, capsuleSharesRange(id), 0, 1)
	if err != nil {
		return interfaces.KeyShare{}, err
	}
	if len(shares) == 0 {
		return interfaces.KeyShare{}, fmt.Errorf("%w: capsule %s", interfaces.ErrNotFound, id)
	}
	return shares[0], nil
}

func (s *Store) GetIndex(ctx context.Context, id interfaces.CapsuleID, index uint8) (interfaces.KeyShare, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.KeyShare{}, err
	}
	ks, err := s.getRecord(id, index)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.KeyShare{}, fmt.Errorf("%w: capsule %s index %d", interfaces.ErrNotFound, id, index)
	}
	return ks, err
}

func (s *Store) Shares(ctx context.Context, id interfaces.CapsuleID) ([]interfaces.KeyShare, error) {
	return s.scan(ctx, capsuleSharesRange(id), 0, 256)
}

func (s *Store) HeldIndices(ctx context.Context, id interfaces.CapsuleID) ([]uint8, error) {
	shares, err := s.Shares(ctx, id)
	if err != nil {
		return nil, err
	}
	indices := make([]uint8, 0, len(shares))
	for _, ks := range shares {
		indices = append(indices, ks.Index)
	}
	return indices, nil
}

// Page returns shares matching the filter in (capsule, index) order.
func (s *Store) Page(ctx context.Context, page interfaces.SyncPage) ([]interfaces.KeyShare, error) {
	if err := page.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	if page.PageSize <= 0 || page.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size must be between 1 and %d", MaxPageSize)
	}
	if page.Offset < 0 {
		return nil, errors.New("negative offset")
	}
	return s.scan(ctx, filterRange(page.Filter), page.Offset, page.PageSize)
}

// Export calls fn for every stored share in (capsule, index) order.
func (s *Store) Export(ctx context.Context, fn func(interfaces.KeyShare) error) error {
	iter := s.db.NewIterator(filterRange(interfaces.WildcardFilter), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ks, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(ks); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) scan(ctx context.Context, r *util.Range, offset, limit int) ([]interfaces.KeyShare, error) {
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	var out []interfaces.KeyShare
	skipped := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		// decodeRecord copies out of the iterator buffer
		ks, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, ks)
		if len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Unseal recovers the plaintext of a stored share and checks it against the tag.
func (s *Store) Unseal(ks interfaces.KeyShare) (interfaces.ShareMaterial, error) {
	payload, err := s.sealer.Unseal(ks.Sealed, sealAAD(ks.CapsuleID, ks.Index))
	if err != nil {
		return interfaces.ShareMaterial{}, fmt.Errorf("%w: %v", interfaces.ErrIntegrityMismatch, err)
	}
	m := interfaces.ShareMaterial{ShareHeader: ks.ShareHeader, Payload: payload}
	if err := m.Verify(); err != nil {
		m.Wipe()
		return interfaces.ShareMaterial{}, err
	}
	return m, nil
}

// Watermark returns the highest version held for the filter, 0 if none.
func (s *Store) Watermark(ctx context.Context, filter interfaces.SyncFilter) (uint64, error) {
	if filter.IsWildcard() {
		iter := s.db.NewIterator(versionRange(0), nil)
		defer iter.Release()
		if !iter.Last() {
			return 0, iter.Error()
		}
		version, _, _, err := parseVersionKey(iter.Key())
		return version, err
	}

	shares, err := s.Shares(ctx, filter.CapsuleID())
	if err != nil {
		return 0, err
	}
	var watermark uint64
	for _, ks := range shares {
		if ks.Version > watermark {
			watermark = ks.Version
		}
	}
	return watermark, nil
}
