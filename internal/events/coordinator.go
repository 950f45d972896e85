package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCoordinatorNew    = "events.coordinator.new"
	opCoordinatorSubmit = "events.coordinator.submit"
	opCoordinatorBatch  = "events.coordinator.submit_batch"
)

var (
	errMissingStore      = errors.New("version store is required")
	errMissingGate       = errors.New("permission gate is required")
	errMissingDetector   = errors.New("conflict detector is required")
	errMissingIDProvider = errors.New("id provider is required")
	errDuplicateBatchIDs = errors.New("a batch may reference each event at most once")
)

// MutationState tracks one request through the coordinator pipeline.
type MutationState string

const (
	StateReceived        MutationState = "received"
	StateAuthorized      MutationState = "authorized"
	StateConflictChecked MutationState = "conflict_checked"
	StateCommitted       MutationState = "committed"
	StateNotified        MutationState = "notified"
	StateRejected        MutationState = "rejected"
)

// Mutation is one candidate change to one event.
type Mutation struct {
	Kind    ChangeKind
	EventID EventID
	ActorID UserID
	// Snapshot carries the proposed state for create and update mutations.
	Snapshot Snapshot
	// ExpectedVersion is the actor's view of the current head; zero for create.
	ExpectedVersion int64
	// TargetVersion names the historical version a rollback restores.
	TargetVersion int64
}

// MutationResult reports the terminal state of one mutation.
type MutationResult struct {
	EventID   EventID
	State     MutationState
	Version   *EventVersion
	Conflicts ConflictSet
	Err       error
}

// BatchResult reports a batch submission: per-item outcomes plus one
// aggregate decision. Partial application never happens.
type BatchResult struct {
	BatchID   string
	Committed bool
	Results   []MutationResult
}

// ChangeNotification is the committed-change payload handed to the hub.
type ChangeNotification struct {
	EventID           EventID
	VersionNumber     int64
	Kind              ChangeKind
	AuthorID          UserID
	ChangedFields     []string
	Participants      []UserID
	BatchID           string
	OccurredAtSeconds int64
}

// Notifier receives committed changes for best-effort fan-out. Delivery
// failures never roll back a commit.
type Notifier interface {
	PublishChange(notification ChangeNotification)
}

// CoordinatorConfig describes the dependencies of the mutation coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Store      *Store
	Gate       *Gate
	Detector   *Detector
	Notifier   Notifier
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator serializes concurrent writes per event id and drives each
// mutation through authorize, conflict-check, commit, and notify as one unit.
type Coordinator struct {
	db       *gorm.DB
	store    *Store
	gate     *Gate
	detector *Detector
	notifier Notifier
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
	locks    *keyedMutex
}

// NewCoordinator constructs the mutation coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	if cfg.Gate == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_gate", errMissingGate)
	}
	if cfg.Detector == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_detector", errMissingDetector)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		db:       cfg.Database,
		store:    cfg.Store,
		gate:     cfg.Gate,
		detector: cfg.Detector,
		notifier: cfg.Notifier,
		ids:      cfg.IDProvider,
		clock:    clock,
		logger:   logger,
		locks:    newKeyedMutex(),
	}, nil
}

// plannedCommit is a mutation that passed authorization and conflict checks
// and is ready to append.
type plannedCommit struct {
	input         CommitInput
	grantOwner    bool
	previous      *Snapshot
	resultIndex   int
	changedFields []string
}

// Submit drives one mutation through the full pipeline. A mutation that has
// passed the conflict-check gate runs to completion even if the caller's
// context is cancelled, so version numbering never ends up partially applied.
func (c *Coordinator) Submit(ctx context.Context, mutation Mutation) (MutationResult, error) {
	result := MutationResult{EventID: mutation.EventID, State: StateReceived}

	mutation, err := c.normalize(mutation)
	if err != nil {
		return c.reject(result, err)
	}
	result.EventID = mutation.EventID

	if err := c.locks.lock(ctx, mutation.EventID.String()); err != nil {
		return c.reject(result, newServiceError(opCoordinatorSubmit, "lock_wait_cancelled", err))
	}
	defer c.locks.unlock(mutation.EventID.String())

	planned, err := c.prepare(ctx, mutation, &result)
	if err != nil {
		return c.reject(result, err)
	}

	version, err := c.commitOne(context.WithoutCancel(ctx), planned)
	if err != nil {
		return c.reject(result, err)
	}
	result.State = StateCommitted
	result.Version = &version

	c.notify(context.WithoutCancel(ctx), planned, version)
	result.State = StateNotified
	return result, nil
}

// SubmitBatch evaluates N mutations as one logical unit: every item must pass
// authorization and conflict checks before any commit happens, and all
// commits share one transaction and one batch identifier. A failing item
// rejects the whole batch with zero versions committed.
func (c *Coordinator) SubmitBatch(ctx context.Context, mutations []Mutation) (BatchResult, error) {
	batch := BatchResult{Results: make([]MutationResult, len(mutations))}
	if len(mutations) == 0 {
		return batch, nil
	}

	normalized := make([]Mutation, len(mutations))
	for index, mutation := range mutations {
		prepared, err := c.normalize(mutation)
		if err != nil {
			return c.rejectBatch(batch, normalized, index, err)
		}
		normalized[index] = prepared
		batch.Results[index] = MutationResult{EventID: prepared.EventID, State: StateReceived}
	}

	lockOrder, err := batchLockOrder(normalized)
	if err != nil {
		return c.rejectBatch(batch, normalized, -1, err)
	}
	locked := make([]string, 0, len(lockOrder))
	defer func() {
		for index := len(locked) - 1; index >= 0; index-- {
			c.locks.unlock(locked[index])
		}
	}()
	for _, key := range lockOrder {
		if err := c.locks.lock(ctx, key); err != nil {
			return c.rejectBatch(batch, normalized, -1,
				newServiceError(opCoordinatorBatch, "lock_wait_cancelled", err))
		}
		locked = append(locked, key)
	}

	planned := make([]plannedCommit, 0, len(normalized))
	for index, mutation := range normalized {
		plan, err := c.prepare(ctx, mutation, &batch.Results[index])
		if err != nil {
			return c.rejectBatch(batch, normalized, index, err)
		}
		plan.resultIndex = index
		planned = append(planned, plan)
	}

	// Cancellation is honoured up to this point only; once any member
	// commits, the batch runs to completion.
	if err := ctx.Err(); err != nil {
		return c.rejectBatch(batch, normalized, -1,
			newServiceError(opCoordinatorBatch, "cancelled_before_commit", err))
	}

	batchID, err := c.ids.NewID()
	if err != nil {
		return c.rejectBatch(batch, normalized, -1,
			newServiceError(opCoordinatorBatch, "id_generation_failed", err))
	}

	detached := context.WithoutCancel(ctx)
	versions := make([]EventVersion, len(planned))
	txErr := c.db.WithContext(detached).Transaction(func(tx *gorm.DB) error {
		for planIndex, plan := range planned {
			plan.input.BatchID = batchID
			version, err := c.store.Commit(detached, tx, plan.input)
			if err != nil {
				return err
			}
			if plan.grantOwner {
				if err := c.createOwnerPermission(detached, tx, plan.input); err != nil {
					return err
				}
			}
			versions[planIndex] = version
		}
		return nil
	})
	if txErr != nil {
		return c.rejectBatch(batch, normalized, -1, txErr)
	}

	batch.BatchID = batchID
	batch.Committed = true
	for planIndex, plan := range planned {
		batch.Results[plan.resultIndex].State = StateCommitted
		version := versions[planIndex]
		batch.Results[plan.resultIndex].Version = &version
		c.notify(detached, plan, version)
		batch.Results[plan.resultIndex].State = StateNotified
	}
	return batch, nil
}

func (c *Coordinator) normalize(mutation Mutation) (Mutation, error) {
	if mutation.ActorID == "" {
		return mutation, fmt.Errorf("%w: actor is required", ErrInvalidUserID)
	}

	switch mutation.Kind {
	case ChangeKindCreate:
		if mutation.EventID == "" {
			rawID, err := c.ids.NewID()
			if err != nil {
				return mutation, newServiceError(opCoordinatorSubmit, "id_generation_failed", err)
			}
			eventID, err := NewEventID(rawID)
			if err != nil {
				return mutation, err
			}
			mutation.EventID = eventID
		}
		if mutation.ExpectedVersion != 0 {
			return mutation, fmt.Errorf("%w: create expects no prior version", ErrConcurrentModification)
		}
		return mutation, mutation.Snapshot.Validate()
	case ChangeKindUpdate:
		if mutation.EventID == "" {
			return mutation, fmt.Errorf("%w: event id is required", ErrInvalidEventID)
		}
		return mutation, mutation.Snapshot.Validate()
	case ChangeKindDelete:
		if mutation.EventID == "" {
			return mutation, fmt.Errorf("%w: event id is required", ErrInvalidEventID)
		}
		return mutation, nil
	case ChangeKindRollback:
		if mutation.EventID == "" {
			return mutation, fmt.Errorf("%w: event id is required", ErrInvalidEventID)
		}
		if mutation.TargetVersion <= 0 {
			return mutation, fmt.Errorf("%w: rollback target version %d", ErrNotFound, mutation.TargetVersion)
		}
		return mutation, nil
	default:
		return mutation, fmt.Errorf("events: unknown mutation kind %q", mutation.Kind)
	}
}

// prepare runs the authorization and conflict gates. It must be called with
// the per-event lock held.
func (c *Coordinator) prepare(ctx context.Context, mutation Mutation, result *MutationResult) (plannedCommit, error) {
	plan := plannedCommit{
		input: CommitInput{
			EventID:         mutation.EventID,
			AuthorID:        mutation.ActorID,
			Kind:            mutation.Kind,
			ExpectedVersion: mutation.ExpectedVersion,
		},
	}

	switch mutation.Kind {
	case ChangeKindCreate:
		head, err := c.store.Head(ctx, mutation.EventID)
		if err != nil {
			return plan, err
		}
		if head != 0 {
			return plan, fmt.Errorf("%w: event %s already exists", ErrConcurrentModification, mutation.EventID.String())
		}
		plan.input.Snapshot = mutation.Snapshot
		plan.grantOwner = true
	case ChangeKindUpdate:
		if err := c.gate.Authorize(ctx, mutation.ActorID, mutation.EventID, RoleEditor); err != nil {
			return plan, err
		}
		previous, err := c.currentSnapshot(ctx, mutation.EventID)
		if err != nil {
			return plan, err
		}
		plan.previous = previous
		plan.input.Snapshot = mutation.Snapshot
	case ChangeKindDelete:
		if err := c.gate.Authorize(ctx, mutation.ActorID, mutation.EventID, RoleOwner); err != nil {
			return plan, err
		}
		previous, err := c.currentSnapshot(ctx, mutation.EventID)
		if err != nil {
			return plan, err
		}
		plan.previous = previous
		tombstone := *previous
		tombstone.Deleted = true
		plan.input.Snapshot = tombstone
	case ChangeKindRollback:
		if err := c.gate.Authorize(ctx, mutation.ActorID, mutation.EventID, RoleOwner); err != nil {
			return plan, err
		}
		target, err := c.store.Snapshot(ctx, mutation.EventID, mutation.TargetVersion)
		if err != nil {
			return plan, err
		}
		previous, err := c.currentSnapshot(ctx, mutation.EventID)
		if err != nil {
			return plan, err
		}
		plan.previous = previous
		plan.input.Snapshot = target
		targetVersion := mutation.TargetVersion
		plan.input.RolledBackFrom = &targetVersion
	}
	result.State = StateAuthorized

	if mutation.Kind != ChangeKindDelete {
		editors, err := c.editorsFor(ctx, mutation)
		if err != nil {
			return plan, err
		}
		conflicts, err := c.detector.FindConflicts(ctx, CandidateEvent{
			EventID:  mutation.EventID,
			Snapshot: plan.input.Snapshot,
			Editors:  editors,
		})
		if err != nil {
			return plan, err
		}
		if len(conflicts) > 0 {
			result.Conflicts = conflicts
			return plan, &ConflictError{Conflicts: conflicts}
		}
	}
	result.State = StateConflictChecked

	if plan.previous != nil {
		plan.changedFields = ComputeDiff(*plan.previous, plan.input.Snapshot).Fields()
	} else {
		plan.changedFields = []string{}
	}
	return plan, nil
}

func (c *Coordinator) commitOne(ctx context.Context, plan plannedCommit) (EventVersion, error) {
	var version EventVersion
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committed, err := c.store.Commit(ctx, tx, plan.input)
		if err != nil {
			return err
		}
		version = committed
		if plan.grantOwner {
			return c.createOwnerPermission(ctx, tx, plan.input)
		}
		return nil
	})
	if txErr != nil {
		return EventVersion{}, txErr
	}
	return version, nil
}

func (c *Coordinator) createOwnerPermission(ctx context.Context, tx *gorm.DB, input CommitInput) error {
	now := c.clock().UTC().Unix()
	permission := Permission{
		EventID:    input.EventID.String(),
		UserID:     input.AuthorID.String(),
		Role:       RoleOwner,
		CreatedAtS: now,
		UpdatedAtS: now,
	}
	if err := tx.WithContext(ctx).Create(&permission).Error; err != nil {
		return newServiceError(opCoordinatorSubmit, "owner_grant_failed", err)
	}
	return nil
}

// notify hands the committed change to the hub while the per-event lock is
// still held, which is what guarantees version-ordered delivery per event.
func (c *Coordinator) notify(ctx context.Context, plan plannedCommit, version EventVersion) {
	if c.notifier == nil {
		return
	}
	participants, err := c.gate.ParticipantsOf(ctx, plan.input.EventID)
	if err != nil {
		c.logError(opCoordinatorSubmit, "participant_lookup_failed", err,
			zap.String("event_id", plan.input.EventID.String()))
		participants = []UserID{plan.input.AuthorID}
	}
	c.notifier.PublishChange(ChangeNotification{
		EventID:           plan.input.EventID,
		VersionNumber:     version.VersionNumber,
		Kind:              version.Kind,
		AuthorID:          UserID(version.AuthorID),
		ChangedFields:     plan.changedFields,
		Participants:      participants,
		BatchID:           version.BatchID,
		OccurredAtSeconds: version.CreatedAtS,
	})
}

func (c *Coordinator) currentSnapshot(ctx context.Context, eventID EventID) (*Snapshot, error) {
	projection, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	snapshot, err := projection.CurrentSnapshot()
	if err != nil {
		return nil, newServiceError(opCoordinatorSubmit, "snapshot_decode_failed", err)
	}
	return &snapshot, nil
}

func (c *Coordinator) editorsFor(ctx context.Context, mutation Mutation) ([]UserID, error) {
	if mutation.Kind == ChangeKindCreate {
		return []UserID{mutation.ActorID}, nil
	}
	return c.gate.EditorsOf(ctx, mutation.EventID)
}

func (c *Coordinator) reject(result MutationResult, err error) (MutationResult, error) {
	result.State = StateRejected
	result.Err = err
	return result, err
}

func (c *Coordinator) rejectBatch(batch BatchResult, normalized []Mutation, failedIndex int, err error) (BatchResult, error) {
	for index := range batch.Results {
		if batch.Results[index].EventID == "" && index < len(normalized) {
			batch.Results[index].EventID = normalized[index].EventID
		}
		batch.Results[index].State = StateRejected
		if index == failedIndex {
			batch.Results[index].Err = err
		} else if batch.Results[index].Err == nil {
			batch.Results[index].Err = ErrBatchAborted
		}
	}
	batch.Committed = false
	return batch, err
}

func batchLockOrder(mutations []Mutation) ([]string, error) {
	seen := make(map[string]struct{}, len(mutations))
	keys := make([]string, 0, len(mutations))
	for _, mutation := range mutations {
		key := mutation.EventID.String()
		if _, duplicate := seen[key]; duplicate {
			return nil, fmt.Errorf("%w: event %s", errDuplicateBatchIDs, key)
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("mutation coordinator error", attrs...)
}
