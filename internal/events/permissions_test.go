package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedPermission(t *testing.T, gate *Gate, eventID EventID, userID UserID, role Role) {
	t.Helper()
	permission := Permission{
		EventID:    eventID.String(),
		UserID:     userID.String(),
		Role:       role,
		CreatedAtS: time.Now().Unix(),
		UpdatedAtS: time.Now().Unix(),
	}
	if err := gate.db.Create(&permission).Error; err != nil {
		t.Fatalf("failed to seed permission: %v", err)
	}
}

func TestGateFailsClosed(t *testing.T) {
	db := newTestDatabase(t)
	gate := newTestGate(t, db)
	eventID := mustEventID(t, "event-closed")
	stranger := mustUserID(t, "mallory")

	err := gate.Authorize(context.Background(), stranger, eventID, RoleViewer)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("missing permission row must deny, got %v", err)
	}

	role, found, err := gate.RoleFor(context.Background(), stranger, eventID)
	if err != nil {
		t.Fatalf("unexpected role lookup error: %v", err)
	}
	if found || role != "" {
		t.Fatalf("expected no role, got %q found=%v", role, found)
	}
}

func TestGateRoleOrdering(t *testing.T) {
	db := newTestDatabase(t)
	gate := newTestGate(t, db)
	eventID := mustEventID(t, "event-ordering")
	owner := mustUserID(t, "alice")
	viewer := mustUserID(t, "bob")
	seedPermission(t, gate, eventID, owner, RoleOwner)
	seedPermission(t, gate, eventID, viewer, RoleViewer)

	if err := gate.Authorize(context.Background(), owner, eventID, RoleEditor); err != nil {
		t.Fatalf("owner must satisfy editor: %v", err)
	}
	if err := gate.Authorize(context.Background(), viewer, eventID, RoleViewer); err != nil {
		t.Fatalf("viewer must satisfy viewer: %v", err)
	}
	if err := gate.Authorize(context.Background(), viewer, eventID, RoleEditor); !errors.Is(err, ErrDenied) {
		t.Fatalf("viewer must not satisfy editor, got %v", err)
	}
}

func TestGateGrantAndRevoke(t *testing.T) {
	db := newTestDatabase(t)
	gate := newTestGate(t, db)
	eventID := mustEventID(t, "event-share")
	owner := mustUserID(t, "alice")
	collaborator := mustUserID(t, "bob")
	seedPermission(t, gate, eventID, owner, RoleOwner)

	if err := gate.Grant(context.Background(), collaborator, eventID, collaborator, RoleEditor); !errors.Is(err, ErrDenied) {
		t.Fatalf("non-owner grant must deny, got %v", err)
	}

	if err := gate.Grant(context.Background(), owner, eventID, collaborator, RoleViewer); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	role, found, err := gate.RoleFor(context.Background(), collaborator, eventID)
	if err != nil || !found || role != RoleViewer {
		t.Fatalf("expected viewer role, got %q found=%v err=%v", role, found, err)
	}

	// A second grant upgrades in place.
	if err := gate.Grant(context.Background(), owner, eventID, collaborator, RoleEditor); err != nil {
		t.Fatalf("unexpected upgrade error: %v", err)
	}
	role, _, _ = gate.RoleFor(context.Background(), collaborator, eventID)
	if role != RoleEditor {
		t.Fatalf("expected editor after upgrade, got %q", role)
	}

	if err := gate.Grant(context.Background(), owner, eventID, collaborator, RoleOwner); !errors.Is(err, ErrDenied) {
		t.Fatalf("granting owner must deny, got %v", err)
	}
	if err := gate.Revoke(context.Background(), owner, eventID, owner); !errors.Is(err, ErrDenied) {
		t.Fatalf("revoking the owner must deny, got %v", err)
	}

	if err := gate.Revoke(context.Background(), owner, eventID, collaborator); err != nil {
		t.Fatalf("unexpected revoke error: %v", err)
	}
	if err := gate.Authorize(context.Background(), collaborator, eventID, RoleViewer); !errors.Is(err, ErrDenied) {
		t.Fatalf("revoked user must deny, got %v", err)
	}
	if err := gate.Revoke(context.Background(), owner, eventID, collaborator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoking absent permission must report not found, got %v", err)
	}
}

func TestGateTransferOwnershipKeepsSingleOwner(t *testing.T) {
	stack := newTestStack(t)
	gate := stack.gate
	eventID := mustEventID(t, "event-transfer")
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")
	seedPermission(t, gate, eventID, alice, RoleOwner)
	seedPermission(t, gate, eventID, bob, RoleViewer)
	commitVersion(t, stack.store, CommitInput{
		EventID:  eventID,
		AuthorID: alice,
		Kind:     ChangeKindCreate,
		Snapshot: baseSnapshot("handover", 1000, 2000),
	})

	if err := gate.TransferOwnership(context.Background(), bob, eventID, bob); !errors.Is(err, ErrDenied) {
		t.Fatalf("non-owner transfer must deny, got %v", err)
	}

	if err := gate.TransferOwnership(context.Background(), alice, eventID, bob); err != nil {
		t.Fatalf("unexpected transfer error: %v", err)
	}

	aliceRole, _, _ := gate.RoleFor(context.Background(), alice, eventID)
	bobRole, _, _ := gate.RoleFor(context.Background(), bob, eventID)
	if aliceRole != RoleEditor || bobRole != RoleOwner {
		t.Fatalf("transfer left roles alice=%q bob=%q", aliceRole, bobRole)
	}

	permissions, err := gate.ListPermissions(context.Background(), bob, eventID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	owners := 0
	for _, permission := range permissions {
		if permission.Role == RoleOwner {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("exactly one owner must exist, got %d", owners)
	}

	projection, err := stack.store.GetEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("unexpected projection error: %v", err)
	}
	if projection.OwnerID != "bob" {
		t.Fatalf("projection owner = %q, want bob", projection.OwnerID)
	}
}

func TestGateParticipantAndEditorSets(t *testing.T) {
	db := newTestDatabase(t)
	gate := newTestGate(t, db)
	eventID := mustEventID(t, "event-roster")
	seedPermission(t, gate, eventID, mustUserID(t, "alice"), RoleOwner)
	seedPermission(t, gate, eventID, mustUserID(t, "bob"), RoleEditor)
	seedPermission(t, gate, eventID, mustUserID(t, "carol"), RoleViewer)

	participants, err := gate.ParticipantsOf(context.Background(), eventID)
	if err != nil {
		t.Fatalf("unexpected participants error: %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(participants))
	}

	editors, err := gate.EditorsOf(context.Background(), eventID)
	if err != nil {
		t.Fatalf("unexpected editors error: %v", err)
	}
	if len(editors) != 2 {
		t.Fatalf("viewer must not count as editor, got %d editors", len(editors))
	}
	for _, editor := range editors {
		if editor.String() == "carol" {
			t.Fatalf("viewer appeared in editor set")
		}
	}
}
