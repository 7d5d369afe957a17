package store

import (
	"testing"
	"time"

	"github.com/lunamail/campaignd/internal/models"
)

func TestCampaignCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	f := seedReferences(t, db, "ws1")
	campaigns := NewCampaignRepository(db)

	c := seedCampaign(t, db, f, func(c *models.Campaign) {
		c.Schedule = "0 9 * * 1"
		c.RatePerSecond = 25
	})

	got, err := campaigns.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected campaign, got nil")
	}
	if got.Status != models.CampaignStatusActive {
		t.Errorf("expected status active, got %s", got.Status)
	}
	if got.Schedule != "0 9 * * 1" {
		t.Errorf("expected schedule preserved, got %q", got.Schedule)
	}
	if got.RatePerSecond != 25 {
		t.Errorf("expected rate 25, got %v", got.RatePerSecond)
	}
	if got.LastTriggeredAt != nil {
		t.Error("expected no last_triggered_at on fresh campaign")
	}
}

func TestCampaignGetMissing(t *testing.T) {
	db := setupTestDB(t)
	campaigns := NewCampaignRepository(db)

	got, err := campaigns.GetByID("nope")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing campaign")
	}
}

func TestCampaignSetLastTriggered(t *testing.T) {
	db := setupTestDB(t)
	f := seedReferences(t, db, "ws1")
	campaigns := NewCampaignRepository(db)
	c := seedCampaign(t, db, f, nil)

	at := time.Now().Truncate(time.Second)
	if err := campaigns.SetLastTriggered(c.ID, at); err != nil {
		t.Fatalf("SetLastTriggered failed: %v", err)
	}

	got, err := campaigns.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.LastTriggeredAt == nil {
		t.Fatal("expected last_triggered_at to be set")
	}
}

func TestListActiveScheduled(t *testing.T) {
	db := setupTestDB(t)
	f := seedReferences(t, db, "ws1")
	campaigns := NewCampaignRepository(db)

	seedCampaign(t, db, f, func(c *models.Campaign) { c.Schedule = "*/5 * * * *" })
	seedCampaign(t, db, f, nil) // manual, no schedule
	seedCampaign(t, db, f, func(c *models.Campaign) {
		c.Schedule = "0 0 * * *"
		c.Status = models.CampaignStatusPaused
	})

	list, err := campaigns.ListActiveScheduled()
	if err != nil {
		t.Fatalf("ListActiveScheduled failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 scheduled active campaign, got %d", len(list))
	}
	if list[0].Schedule != "*/5 * * * *" {
		t.Errorf("unexpected schedule %q", list[0].Schedule)
	}
}

func TestCreateGroupClampsWindow(t *testing.T) {
	db := setupTestDB(t)
	campaigns := NewCampaignRepository(db)

	g := &models.CampaignGroup{
		WorkspaceID:   "ws1",
		Name:          "promos",
		WindowSeconds: 60, // below the minimum
		Policy:        models.PolicyHighestPriorityWins,
	}
	if err := campaigns.CreateGroup(g); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	got, err := campaigns.GetGroup(g.ID)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if got.WindowSeconds != models.MinCollisionWindow {
		t.Errorf("expected window clamped to %d, got %d", models.MinCollisionWindow, got.WindowSeconds)
	}
	if got.Policy != models.PolicyHighestPriorityWins {
		t.Errorf("unexpected policy %q", got.Policy)
	}
}
