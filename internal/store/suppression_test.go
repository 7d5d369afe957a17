package store

import (
	"testing"

	"github.com/lunamail/campaignd/internal/models"
)

func TestSuppressionUpsertNormalizesAndOverwrites(t *testing.T) {
	db := setupTestDB(t)
	suppressions := NewSuppressionRepository(db)

	if err := suppressions.Upsert("ws1", "  User@Example.COM ", models.SuppressionReasonBounce); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := suppressions.GetByEmail("ws1", "user@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected suppression, got nil")
	}
	if got.Reason != models.SuppressionReasonBounce {
		t.Errorf("expected bounce, got %s", got.Reason)
	}

	// A complaint for the same address overwrites the reason.
	if err := suppressions.Upsert("ws1", "user@example.com", models.SuppressionReasonComplaint); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, _ = suppressions.GetByEmail("ws1", "user@example.com")
	if got.Reason != models.SuppressionReasonComplaint {
		t.Errorf("expected complaint after overwrite, got %s", got.Reason)
	}
}

func TestSuppressionIsWorkspaceScoped(t *testing.T) {
	db := setupTestDB(t)
	suppressions := NewSuppressionRepository(db)

	if err := suppressions.Upsert("ws1", "user@example.com", models.SuppressionReasonManual); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := suppressions.GetByEmail("ws2", "user@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got != nil {
		t.Fatal("suppression leaked across workspaces")
	}
}

func TestLookupBatch(t *testing.T) {
	db := setupTestDB(t)
	suppressions := NewSuppressionRepository(db)

	suppressions.Upsert("ws1", "a@example.com", models.SuppressionReasonBounce)
	suppressions.Upsert("ws1", "b@example.com", models.SuppressionReasonUnsubscribe)

	found, err := suppressions.LookupBatch("ws1", []string{"A@Example.com", "b@example.com", "c@example.com"})
	if err != nil {
		t.Fatalf("LookupBatch failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(found))
	}
	if found["a@example.com"] != models.SuppressionReasonBounce {
		t.Errorf("unexpected reason for a@: %q", found["a@example.com"])
	}
	if found["b@example.com"] != models.SuppressionReasonUnsubscribe {
		t.Errorf("unexpected reason for b@: %q", found["b@example.com"])
	}
	if _, ok := found["c@example.com"]; ok {
		t.Error("c@ was never suppressed")
	}

	empty, err := suppressions.LookupBatch("ws1", nil)
	if err != nil {
		t.Fatalf("LookupBatch with empty input failed: %v", err)
	}
	if len(empty) != 0 {
		t.Error("expected empty result for empty input")
	}
}

func TestSuppressionDelete(t *testing.T) {
	db := setupTestDB(t)
	suppressions := NewSuppressionRepository(db)

	suppressions.Upsert("ws1", "user@example.com", models.SuppressionReasonManual)
	if err := suppressions.Delete("ws1", "User@Example.com"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, _ := suppressions.GetByEmail("ws1", "user@example.com")
	if got != nil {
		t.Fatal("expected suppression removed")
	}
}
