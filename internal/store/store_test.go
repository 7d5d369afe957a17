package store

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lunamail/campaignd/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return db
}

// fixtures holds the reference rows a campaign needs
type fixtures struct {
	connector *models.Connector
	profile   *models.SenderProfile
	segment   *models.Segment
	template  *models.Template
}

func seedReferences(t *testing.T, db *sql.DB, workspaceID string) *fixtures {
	t.Helper()
	refs := NewReferenceRepository(db)

	conn := &models.Connector{
		WorkspaceID: workspaceID,
		Name:        "test smtp",
		Type:        models.ConnectorTypeSMTP,
		Settings:    `{"host":"localhost","port":2525}`,
	}
	if err := refs.CreateConnector(conn); err != nil {
		t.Fatalf("failed to create connector: %v", err)
	}

	profile := &models.SenderProfile{
		WorkspaceID: workspaceID,
		Name:        "newsletter",
		FromEmail:   "news@example.com",
		FromName:    "Example News",
		ConnectorID: conn.ID,
	}
	if err := refs.CreateSenderProfile(profile); err != nil {
		t.Fatalf("failed to create sender profile: %v", err)
	}

	seg := &models.Segment{
		WorkspaceID: workspaceID,
		Name:        "everyone",
		ConnectorID: conn.ID,
		SQL:         "select id, email from users",
	}
	if err := refs.CreateSegment(seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	tmpl := &models.Template{WorkspaceID: workspaceID, Name: "welcome"}
	version := &models.TemplateVersion{
		Subject: "Hello {{name}}",
		HTML:    "<p>Hi {{name}}</p>",
		Text:    "Hi {{name}}",
	}
	if err := refs.CreateTemplate(tmpl, version); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	return &fixtures{connector: conn, profile: profile, segment: seg, template: tmpl}
}

func seedCampaign(t *testing.T, db *sql.DB, f *fixtures, mutate func(*models.Campaign)) *models.Campaign {
	t.Helper()
	campaigns := NewCampaignRepository(db)

	c := &models.Campaign{
		WorkspaceID:     f.template.WorkspaceID,
		Name:            "spring launch",
		Status:          models.CampaignStatusActive,
		Priority:        100,
		TemplateID:      f.template.ID,
		SegmentID:       f.segment.ID,
		SenderProfileID: f.profile.ID,
	}
	if mutate != nil {
		mutate(c)
	}
	if err := campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

func seedRun(t *testing.T, db *sql.DB, campaign *models.Campaign) *models.Run {
	t.Helper()
	runs := NewRunRepository(db)

	run := &models.Run{CampaignID: campaign.ID, WorkspaceID: campaign.WorkspaceID}
	if err := runs.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func seedRecipient(t *testing.T, db *sql.DB, runID, subjectID, email string) *models.Recipient {
	t.Helper()
	recipients := NewRecipientRepository(db)

	rec := models.Recipient{
		ID:        uuid.New().String(),
		RunID:     runID,
		SubjectID: subjectID,
		Email:     email,
		Variables: "{}",
		Status:    models.RecipientStatusPending,
	}
	if err := recipients.BulkInsert([]models.Recipient{rec}); err != nil {
		t.Fatalf("failed to insert recipient: %v", err)
	}
	return &rec
}
