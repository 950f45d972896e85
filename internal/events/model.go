package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("events: invalid event id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("events: invalid user id")
	// ErrInvalidSnapshot indicates that an event snapshot fails structural validation.
	ErrInvalidSnapshot = errors.New("events: invalid snapshot")
	// ErrInvalidRole indicates an unknown role name.
	ErrInvalidRole = errors.New("events: invalid role")
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEventID, maxIdentifierLength)
	}
	return EventID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates the closed set of collaboration roles on an event.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// ParseRole maps raw input onto the closed role set.
func ParseRole(rawInput string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(RoleViewer):
		return RoleViewer, nil
	case string(RoleEditor):
		return RoleEditor, nil
	case string(RoleOwner):
		return RoleOwner, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether the role meets or exceeds the required role.
func (r Role) Satisfies(required Role) bool {
	return r.rank() >= required.rank() && r.rank() > 0
}

// ChangeKind enumerates the origin of a committed version.
type ChangeKind string

const (
	ChangeKindCreate   ChangeKind = "create"
	ChangeKindUpdate   ChangeKind = "update"
	ChangeKindDelete   ChangeKind = "delete"
	ChangeKindRollback ChangeKind = "rollback"
	// ChangeKindShare is notification-only: sharing grants access without
	// appending a version, so it never appears in the version log.
	ChangeKindShare ChangeKind = "share"
)

// RecurrenceFrequency enumerates supported repetition cadences.
type RecurrenceFrequency string

const (
	FrequencyDaily   RecurrenceFrequency = "daily"
	FrequencyWeekly  RecurrenceFrequency = "weekly"
	FrequencyMonthly RecurrenceFrequency = "monthly"
	FrequencyYearly  RecurrenceFrequency = "yearly"
)

// RecurrenceEndPolicy enumerates how a recurring series terminates.
type RecurrenceEndPolicy string

const (
	RecurrenceEndNever RecurrenceEndPolicy = "never"
	RecurrenceEndCount RecurrenceEndPolicy = "count"
	RecurrenceEndUntil RecurrenceEndPolicy = "until"
)

// Recurrence describes a repetition rule for an event.
type Recurrence struct {
	Frequency         RecurrenceFrequency `json:"frequency"`
	Interval          int                 `json:"interval"`
	Weekdays          []time.Weekday      `json:"weekdays,omitempty"`
	EndPolicy         RecurrenceEndPolicy `json:"end_policy"`
	Count             int                 `json:"count,omitempty"`
	UntilSeconds      int64               `json:"until_s,omitempty"`
	ExceptionsSeconds []int64             `json:"exceptions_s,omitempty"`
}

// Snapshot is the full immutable field payload of one event version.
// Timestamps are unix seconds, UTC.
type Snapshot struct {
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	StartAtSeconds int64       `json:"start_s"`
	EndAtSeconds   int64       `json:"end_s"`
	Recurrence     *Recurrence `json:"recurrence,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
}

// Validate applies structural checks shared by every mutation path.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSnapshot)
	}
	if s.StartAtSeconds <= 0 || s.EndAtSeconds <= 0 {
		return fmt.Errorf("%w: start and end timestamps are required", ErrInvalidSnapshot)
	}
	if s.EndAtSeconds <= s.StartAtSeconds {
		return fmt.Errorf("%w: end must be after start", ErrInvalidSnapshot)
	}
	if s.Recurrence != nil {
		if err := s.Recurrence.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r Recurrence) validate() error {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
	default:
		return fmt.Errorf("%w: unknown recurrence frequency %q", ErrInvalidSnapshot, r.Frequency)
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: negative recurrence interval", ErrInvalidSnapshot)
	}
	switch r.EndPolicy {
	case RecurrenceEndNever, "":
	case RecurrenceEndCount:
		if r.Count <= 0 {
			return fmt.Errorf("%w: recurrence count must be positive", ErrInvalidSnapshot)
		}
	case RecurrenceEndUntil:
		if r.UntilSeconds <= 0 {
			return fmt.Errorf("%w: recurrence until timestamp required", ErrInvalidSnapshot)
		}
	default:
		return fmt.Errorf("%w: unknown recurrence end policy %q", ErrInvalidSnapshot, r.EndPolicy)
	}
	return nil
}

// Event is the current-state projection of the latest committed version.
// It is rewritten only inside the transaction that appends the version.
type Event struct {
	EventID        string `gorm:"column:event_id;primaryKey;size:190;not null"`
	OwnerID        string `gorm:"column:owner_id;size:190;not null;index:idx_events_owner"`
	Title          string `gorm:"column:title;size:255;not null"`
	Description    string `gorm:"column:description;type:text;not null;default:''"`
	Location       string `gorm:"column:location;size:255;not null;default:''"`
	StartAtSeconds int64  `gorm:"column:start_s;not null;index:idx_events_window,priority:1"`
	EndAtSeconds   int64  `gorm:"column:end_s;not null;index:idx_events_window,priority:2"`
	RecurrenceJSON string `gorm:"column:recurrence_json;type:text;not null;default:''"`
	CurrentVersion int64  `gorm:"column:current_version;not null;default:0"`
	IsDeleted      bool   `gorm:"column:is_deleted;not null;default:false;index:idx_events_deleted"`
	CreatedAtS     int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtS     int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// CurrentSnapshot reconstructs the snapshot form of the projection.
func (e Event) CurrentSnapshot() (Snapshot, error) {
	snapshot := Snapshot{
		Title:          e.Title,
		Description:    e.Description,
		Location:       e.Location,
		StartAtSeconds: e.StartAtSeconds,
		EndAtSeconds:   e.EndAtSeconds,
		Deleted:        e.IsDeleted,
	}
	if e.RecurrenceJSON != "" {
		var recurrence Recurrence
		if err := json.Unmarshal([]byte(e.RecurrenceJSON), &recurrence); err != nil {
			return Snapshot{}, fmt.Errorf("events: decode projection recurrence: %w", err)
		}
		snapshot.Recurrence = &recurrence
	}
	return snapshot, nil
}

// EventVersion is one immutable entry of the append-only history.
type EventVersion struct {
	EventID        string     `gorm:"column:event_id;primaryKey;size:190;not null;index:idx_versions_event,priority:1"`
	VersionNumber  int64      `gorm:"column:version_number;primaryKey;not null;index:idx_versions_event,priority:2"`
	SnapshotJSON   string     `gorm:"column:snapshot_json;type:text;not null"`
	AuthorID       string     `gorm:"column:author_id;size:190;not null"`
	Kind           ChangeKind `gorm:"column:kind;size:20;not null"`
	RolledBackFrom *int64     `gorm:"column:rolled_back_from"`
	BatchID        string     `gorm:"column:batch_id;size:190;not null;default:''"`
	CreatedAtS     int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventVersion) TableName() string {
	return "event_versions"
}

// Permission records one user's role on one event.
type Permission struct {
	EventID    string `gorm:"column:event_id;primaryKey;size:190;not null"`
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_permissions_user"`
	Role       Role   `gorm:"column:role;size:20;not null"`
	CreatedAtS int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtS int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Permission) TableName() string {
	return "event_permissions"
}

// ChangelogEntry summarizes one committed version for history listings.
type ChangelogEntry struct {
	VersionNumber  int64      `json:"version_number"`
	AuthorID       string     `json:"author_id"`
	Kind           ChangeKind `json:"kind"`
	CreatedAtS     int64      `json:"created_at_s"`
	ChangedFields  []string   `json:"changed_fields"`
	RolledBackFrom *int64     `json:"rolled_back_from,omitempty"`
}

// ConflictRef identifies one committed event whose occurrence overlaps a candidate.
type ConflictRef struct {
	EventID        EventID `json:"event_id"`
	VersionNumber  int64   `json:"version_number"`
	StartAtSeconds int64   `json:"start_s"`
	EndAtSeconds   int64   `json:"end_s"`
}

// ConflictSet is the transient result of one conflict evaluation. It is
// recomputed per request and never persisted.
type ConflictSet []ConflictRef
