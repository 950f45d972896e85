package events

import (
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustEventID(t *testing.T, value string) EventID {
	t.Helper()
	id, err := NewEventID(value)
	if err != nil {
		t.Fatalf("unexpected event id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Event{}, &EventVersion{}, &Permission{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestGate(t *testing.T, db *gorm.DB) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate
}

func newTestDetector(t *testing.T, db *gorm.DB) *Detector {
	t.Helper()
	detector, err := NewDetector(DetectorConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct detector: %v", err)
	}
	return detector
}

// recordingNotifier captures published notifications for assertions.
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []ChangeNotification
}

func (n *recordingNotifier) PublishChange(notification ChangeNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *recordingNotifier) published() []ChangeNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChangeNotification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

type testStack struct {
	db          *gorm.DB
	store       *Store
	gate        *Gate
	detector    *Detector
	coordinator *Coordinator
	notifier    *recordingNotifier
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	gate := newTestGate(t, db)
	detector := newTestDetector(t, db)
	notifier := &recordingNotifier{}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:   db,
		Store:      store,
		Gate:       gate,
		Detector:   detector,
		Notifier:   notifier,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return &testStack{
		db:          db,
		store:       store,
		gate:        gate,
		detector:    detector,
		coordinator: coordinator,
		notifier:    notifier,
	}
}

func baseSnapshot(title string, startSeconds, endSeconds int64) Snapshot {
	return Snapshot{
		Title:          title,
		StartAtSeconds: startSeconds,
		EndAtSeconds:   endSeconds,
	}
}
