package database

import (
	"testing"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"events", "event_versions", "event_permissions", "user_identities", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("table %s missing after migration", table)
		}
	}

	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to read migration records: %v", err)
	}
	if len(records) != 1 || records[0].Name != migrationBackfillVersionKind {
		t.Fatalf("unexpected migration records: %#v", records)
	}

	// Re-applying is a no-op.
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("migrations are not idempotent: %v", err)
	}
}

func TestBackfillVersionKind(t *testing.T) {
	db, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	legacy := []events.EventVersion{
		{EventID: "event-legacy", VersionNumber: 1, SnapshotJSON: "{}", AuthorID: "alice", CreatedAtS: 1},
		{EventID: "event-legacy", VersionNumber: 2, SnapshotJSON: "{}", AuthorID: "alice", CreatedAtS: 2},
	}
	for index := range legacy {
		if err := db.Create(&legacy[index]).Error; err != nil {
			t.Fatalf("failed to seed legacy version: %v", err)
		}
	}

	if err := backfillVersionKind(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var versions []events.EventVersion
	if err := db.Where("event_id = ?", "event-legacy").Order("version_number ASC").Find(&versions).Error; err != nil {
		t.Fatalf("failed to load versions: %v", err)
	}
	if versions[0].Kind != events.ChangeKindCreate {
		t.Fatalf("version 1 kind = %q, want create", versions[0].Kind)
	}
	if versions[1].Kind != events.ChangeKindUpdate {
		t.Fatalf("version 2 kind = %q, want update", versions[1].Kind)
	}
}
