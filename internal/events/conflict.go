package events

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opDetectorFind = "events.detector.find_conflicts"

// DetectorConfig describes the dependencies of the conflict detector.
type DetectorConfig struct {
	Database       *gorm.DB
	Horizon        time.Duration
	MaxOccurrences int
	Logger         *zap.Logger
}

// Detector evaluates a candidate event against the last-committed state of
// all other events. Pending mutations are invisible to it; the coordinator's
// per-event serialization is what keeps the evaluation consistent.
type Detector struct {
	db       *gorm.DB
	expander Expander
	logger   *zap.Logger
}

// NewDetector constructs the conflict detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Database == nil {
		return nil, newServiceError("events.detector.new", "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Detector{
		db:       cfg.Database,
		expander: NewExpander(cfg.Horizon, cfg.MaxOccurrences),
		logger:   logger,
	}, nil
}

// CandidateEvent is the proposed state a mutation wants to commit, together
// with the users who would hold Editor-or-better on it.
type CandidateEvent struct {
	EventID  EventID
	Snapshot Snapshot
	Editors  []UserID
}

// FindConflicts expands the candidate's occurrences within the bounded
// horizon and reports committed events that overlap one of them while
// sharing at least one Editor-or-better participant. Half-open [start, end)
// semantics apply; the candidate never conflicts with itself.
func (d *Detector) FindConflicts(ctx context.Context, candidate CandidateEvent) (ConflictSet, error) {
	if candidate.Snapshot.Deleted || len(candidate.Editors) == 0 {
		return nil, nil
	}

	window := d.expander.HorizonWindow(candidate.Snapshot)
	candidateOccurrences, err := d.expander.Occurrences(candidate.Snapshot, window)
	if err != nil {
		return nil, err
	}
	if len(candidateOccurrences) == 0 {
		return nil, nil
	}

	neighbourIDs, err := d.eventsSharingEditors(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if len(neighbourIDs) == 0 {
		return nil, nil
	}

	var neighbours []Event
	if err := d.db.WithContext(ctx).
		Where("event_id IN ? AND is_deleted = ?", neighbourIDs, false).
		Find(&neighbours).Error; err != nil {
		d.logError(opDetectorFind, "event_query_failed", err)
		return nil, newServiceError(opDetectorFind, "event_query_failed", err)
	}

	var conflicts ConflictSet
	for _, neighbour := range neighbours {
		snapshot, err := neighbour.CurrentSnapshot()
		if err != nil {
			d.logError(opDetectorFind, "snapshot_decode_failed", err, zap.String("event_id", neighbour.EventID))
			return nil, newServiceError(opDetectorFind, "snapshot_decode_failed", err)
		}
		occurrences, err := d.expander.Occurrences(snapshot, window)
		if err != nil {
			return nil, err
		}
		if overlap, found := firstOverlap(candidateOccurrences, occurrences); found {
			conflicts = append(conflicts, ConflictRef{
				EventID:        EventID(neighbour.EventID),
				VersionNumber:  neighbour.CurrentVersion,
				StartAtSeconds: overlap.StartAtSeconds,
				EndAtSeconds:   overlap.EndAtSeconds,
			})
		}
	}
	return conflicts, nil
}

// eventsSharingEditors returns ids of committed events on which at least one
// of the candidate's editors also holds Editor or Owner. Viewer-only overlap
// is not a conflict, so Viewer rows are excluded at the query.
func (d *Detector) eventsSharingEditors(ctx context.Context, candidate CandidateEvent) ([]string, error) {
	editorIDs := make([]string, 0, len(candidate.Editors))
	for _, editor := range candidate.Editors {
		editorIDs = append(editorIDs, editor.String())
	}

	var permissions []Permission
	if err := d.db.WithContext(ctx).
		Where("user_id IN ? AND role IN ?", editorIDs, []Role{RoleOwner, RoleEditor}).
		Find(&permissions).Error; err != nil {
		d.logError(opDetectorFind, "permission_query_failed", err)
		return nil, newServiceError(opDetectorFind, "permission_query_failed", err)
	}

	seen := make(map[string]struct{}, len(permissions))
	ids := make([]string, 0, len(permissions))
	for _, permission := range permissions {
		if permission.EventID == candidate.EventID.String() {
			// Self-comparison and same-series occurrences never conflict.
			continue
		}
		if _, duplicate := seen[permission.EventID]; duplicate {
			continue
		}
		seen[permission.EventID] = struct{}{}
		ids = append(ids, permission.EventID)
	}
	return ids, nil
}

func firstOverlap(candidate, other []Interval) (Interval, bool) {
	for _, candidateOccurrence := range candidate {
		for _, otherOccurrence := range other {
			if candidateOccurrence.Overlaps(otherOccurrence) {
				return otherOccurrence, true
			}
		}
	}
	return Interval{}, false
}

func (d *Detector) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("conflict detector error", attrs...)
}
