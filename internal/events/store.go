package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew       = "events.store.new"
	opStoreCommit    = "events.store.commit"
	opStoreDiff      = "events.store.diff"
	opStoreChangelog = "events.store.changelog"

	defaultChangelogCacheSize = 256
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the version store.
type StoreConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	Logger             *zap.Logger
	ChangelogCacheSize int
}

// Store owns the append-only event version log and the derived read surface
// (versions, diffs, changelogs). Versions are never mutated after creation.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	changelog *lru.Cache[changelogKey, []ChangelogEntry]
}

type changelogKey struct {
	eventID string
	from    int64
	to      int64
	head    int64
}

// NewStore constructs the version store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cacheSize := cfg.ChangelogCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultChangelogCacheSize
	}
	cache, err := lru.New[changelogKey, []ChangelogEntry](cacheSize)
	if err != nil {
		return nil, newServiceError(opStoreNew, "cache_init_failed", err)
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, changelog: cache}, nil
}

// CommitInput carries one append request into the version log.
type CommitInput struct {
	EventID  EventID
	AuthorID UserID
	Kind     ChangeKind
	Snapshot Snapshot
	// ExpectedVersion is the caller's view of the current head. Zero means
	// the caller expects the event not to exist yet.
	ExpectedVersion int64
	RolledBackFrom  *int64
	BatchID         string
}

// Commit appends a new immutable version and republishes the projection in
// the caller's transaction. The optimistic-concurrency check rejects the
// append with ErrConcurrentModification when the expected head is stale.
func (s *Store) Commit(ctx context.Context, tx *gorm.DB, input CommitInput) (EventVersion, error) {
	if tx == nil {
		tx = s.db
	}

	var projection Event
	head := int64(0)
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("event_id = ?", input.EventID.String()).
		Take(&projection).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opStoreCommit, "projection_select_failed", err, zap.String("event_id", input.EventID.String()))
		return EventVersion{}, newServiceError(opStoreCommit, "projection_select_failed", err)
	default:
		head = projection.CurrentVersion
	}

	if input.ExpectedVersion != head {
		return EventVersion{}, fmt.Errorf("%w: expected version %d, head is %d",
			ErrConcurrentModification, input.ExpectedVersion, head)
	}

	snapshotJSON, err := encodeSnapshot(input.Snapshot)
	if err != nil {
		return EventVersion{}, newServiceError(opStoreCommit, "snapshot_encode_failed", err)
	}

	now := s.clock().UTC().Unix()
	version := EventVersion{
		EventID:        input.EventID.String(),
		VersionNumber:  head + 1,
		SnapshotJSON:   snapshotJSON,
		AuthorID:       input.AuthorID.String(),
		Kind:           input.Kind,
		RolledBackFrom: input.RolledBackFrom,
		BatchID:        input.BatchID,
		CreatedAtS:     now,
	}
	if err := tx.WithContext(ctx).Create(&version).Error; err != nil {
		s.logError(opStoreCommit, "version_insert_failed", err,
			zap.String("event_id", input.EventID.String()),
			zap.Int64("version_number", version.VersionNumber))
		return EventVersion{}, newServiceError(opStoreCommit, "version_insert_failed", err)
	}

	if head == 0 {
		projection.EventID = input.EventID.String()
		projection.OwnerID = input.AuthorID.String()
		projection.CreatedAtS = now
	}
	projection.Title = input.Snapshot.Title
	projection.Description = input.Snapshot.Description
	projection.Location = input.Snapshot.Location
	projection.StartAtSeconds = input.Snapshot.StartAtSeconds
	projection.EndAtSeconds = input.Snapshot.EndAtSeconds
	projection.IsDeleted = input.Snapshot.Deleted
	projection.CurrentVersion = version.VersionNumber
	projection.UpdatedAtS = now
	projection.RecurrenceJSON = ""
	if input.Snapshot.Recurrence != nil {
		recurrencePayload, err := json.Marshal(input.Snapshot.Recurrence)
		if err != nil {
			return EventVersion{}, newServiceError(opStoreCommit, "recurrence_encode_failed", err)
		}
		projection.RecurrenceJSON = string(recurrencePayload)
	}
	if err := tx.WithContext(ctx).Save(&projection).Error; err != nil {
		s.logError(opStoreCommit, "projection_save_failed", err, zap.String("event_id", input.EventID.String()))
		return EventVersion{}, newServiceError(opStoreCommit, "projection_save_failed", err)
	}

	return version, nil
}

// GetEvent loads the current projection of one event.
func (s *Store) GetEvent(ctx context.Context, eventID EventID) (Event, error) {
	var projection Event
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Take(&projection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("%w: event %s", ErrNotFound, eventID.String())
	}
	if err != nil {
		return Event{}, newServiceError("events.store.get_event", "query_failed", err)
	}
	return projection, nil
}

// Head returns the current version number of the event, zero when absent.
func (s *Store) Head(ctx context.Context, eventID EventID) (int64, error) {
	projection, err := s.GetEvent(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return projection.CurrentVersion, nil
}

// GetVersion loads one immutable version by (event id, version number).
func (s *Store) GetVersion(ctx context.Context, eventID EventID, versionNumber int64) (EventVersion, error) {
	var version EventVersion
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND version_number = ?", eventID.String(), versionNumber).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EventVersion{}, fmt.Errorf("%w: event %s version %d", ErrNotFound, eventID.String(), versionNumber)
	}
	if err != nil {
		return EventVersion{}, newServiceError("events.store.get_version", "query_failed", err)
	}
	return version, nil
}

// ListVersions returns the full history of one event in version order.
func (s *Store) ListVersions(ctx context.Context, eventID EventID) ([]EventVersion, error) {
	var versions []EventVersion
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Order("version_number ASC").
		Find(&versions).Error; err != nil {
		return nil, newServiceError("events.store.list_versions", "query_failed", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID.String())
	}
	return versions, nil
}

// Snapshot decodes the stored payload of one version.
func (s *Store) Snapshot(ctx context.Context, eventID EventID, versionNumber int64) (Snapshot, error) {
	version, err := s.GetVersion(ctx, eventID, versionNumber)
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(version.SnapshotJSON)
}

// Diff computes the structural comparison between two versions of the same
// event. Equal version numbers produce an empty diff; swapped endpoints
// produce the inverse diff.
func (s *Store) Diff(ctx context.Context, eventID EventID, fromVersion, toVersion int64) (Diff, error) {
	if fromVersion == toVersion {
		if _, err := s.GetVersion(ctx, eventID, fromVersion); err != nil {
			return nil, err
		}
		return Diff{}, nil
	}
	fromSnapshot, err := s.Snapshot(ctx, eventID, fromVersion)
	if err != nil {
		return nil, err
	}
	toSnapshot, err := s.Snapshot(ctx, eventID, toVersion)
	if err != nil {
		return nil, err
	}
	return ComputeDiff(fromSnapshot, toSnapshot), nil
}

// Changelog assembles the ordered version summaries for the requested range.
// Zero bounds default to 1..head. Entries are derived entirely from the
// version sequence; results are cached per (event, range, head) so a stale
// cache entry can never be served after a new commit.
func (s *Store) Changelog(ctx context.Context, eventID EventID, fromVersion, toVersion int64) ([]ChangelogEntry, error) {
	head, err := s.Head(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID.String())
	}
	if fromVersion <= 0 {
		fromVersion = 1
	}
	if toVersion <= 0 || toVersion > head {
		toVersion = head
	}
	if fromVersion > toVersion {
		return nil, fmt.Errorf("%w: changelog range %d..%d", ErrNotFound, fromVersion, toVersion)
	}

	key := changelogKey{eventID: eventID.String(), from: fromVersion, to: toVersion, head: head}
	if cached, ok := s.changelog.Get(key); ok {
		return cached, nil
	}

	// One extra version before the range start, when it exists, anchors the
	// changed-field summary of the first entry.
	lowerBound := fromVersion - 1
	if lowerBound < 1 {
		lowerBound = 1
	}
	var versions []EventVersion
	if err := s.db.WithContext(ctx).
		Where("event_id = ? AND version_number BETWEEN ? AND ?", eventID.String(), lowerBound, toVersion).
		Order("version_number ASC").
		Find(&versions).Error; err != nil {
		s.logError(opStoreChangelog, "query_failed", err, zap.String("event_id", eventID.String()))
		return nil, newServiceError(opStoreChangelog, "query_failed", err)
	}

	entries := make([]ChangelogEntry, 0, len(versions))
	var previous *Snapshot
	for _, version := range versions {
		snapshot, err := decodeSnapshot(version.SnapshotJSON)
		if err != nil {
			return nil, newServiceError(opStoreChangelog, "snapshot_decode_failed", err)
		}
		if version.VersionNumber >= fromVersion {
			changedFields := []string{}
			if previous != nil {
				changedFields = ComputeDiff(*previous, snapshot).Fields()
			}
			entries = append(entries, ChangelogEntry{
				VersionNumber:  version.VersionNumber,
				AuthorID:       version.AuthorID,
				Kind:           version.Kind,
				CreatedAtS:     version.CreatedAtS,
				ChangedFields:  changedFields,
				RolledBackFrom: version.RolledBackFrom,
			})
		}
		snapshotCopy := snapshot
		previous = &snapshotCopy
	}

	s.changelog.Add(key, entries)
	return entries, nil
}

// ListVisible returns the live events the user holds any permission on.
func (s *Store) ListVisible(ctx context.Context, userID UserID) ([]Event, error) {
	var projections []Event
	if err := s.db.WithContext(ctx).
		Joins("JOIN event_permissions ON event_permissions.event_id = events.event_id AND event_permissions.user_id = ?", userID.String()).
		Where("events.is_deleted = ?", false).
		Order("events.start_s ASC").
		Find(&projections).Error; err != nil {
		return nil, newServiceError("events.store.list_visible", "query_failed", err)
	}
	return projections, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("version store error", attrs...)
}
