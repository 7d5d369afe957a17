package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

// ReferenceRepository serves the reference data the pipeline resolves a
// campaign against: connectors, sender profiles, segments and templates.
// These are managed elsewhere; the pipeline only reads them, except for
// creation helpers used by seeding and tests.
type ReferenceRepository struct {
	db *sql.DB
}

func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// CreateConnector creates a connector
func (r *ReferenceRepository) CreateConnector(c *models.Connector) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO connectors (id, workspace_id, name, type, settings, webhook_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, c.Type, c.Settings, nullString(c.WebhookToken), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	return nil
}

// GetConnector returns a connector by ID, or nil
func (r *ReferenceRepository) GetConnector(id string) (*models.Connector, error) {
	return r.connectorWhere("id = ?", id)
}

// GetConnectorByWebhookToken resolves a webhook token to its connector.
// Unknown tokens return nil so the caller can respond not-found without
// leaking which tokens exist.
func (r *ReferenceRepository) GetConnectorByWebhookToken(token string) (*models.Connector, error) {
	if token == "" {
		return nil, nil
	}
	return r.connectorWhere("webhook_token = ?", token)
}

func (r *ReferenceRepository) connectorWhere(where string, arg any) (*models.Connector, error) {
	c := &models.Connector{}
	var settings, webhookToken sql.NullString

	err := r.db.QueryRow(`
		SELECT id, workspace_id, name, type, settings, webhook_token, created_at
		FROM connectors WHERE `+where, arg,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Type, &settings, &webhookToken, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if settings.Valid {
		c.Settings = settings.String
	}
	if webhookToken.Valid {
		c.WebhookToken = webhookToken.String
	}
	return c, nil
}

// CreateSenderProfile creates a sender profile
func (r *ReferenceRepository) CreateSenderProfile(p *models.SenderProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO sender_profiles (id, workspace_id, name, from_email, from_name, reply_to, connector_id, rate_per_second, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, p.FromEmail, p.FromName, nullString(p.ReplyTo), p.ConnectorID, p.RatePerSecond, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sender profile: %w", err)
	}
	return nil
}

// GetSenderProfile returns a sender profile by ID, or nil
func (r *ReferenceRepository) GetSenderProfile(id string) (*models.SenderProfile, error) {
	p := &models.SenderProfile{}
	var fromName, replyTo sql.NullString

	err := r.db.QueryRow(`
		SELECT id, workspace_id, name, from_email, from_name, reply_to, connector_id, rate_per_second, created_at
		FROM sender_profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.FromEmail, &fromName, &replyTo, &p.ConnectorID, &p.RatePerSecond, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if fromName.Valid {
		p.FromName = fromName.String
	}
	if replyTo.Valid {
		p.ReplyTo = replyTo.String
	}
	return p, nil
}

// CreateSegment creates a segment
func (r *ReferenceRepository) CreateSegment(s *models.Segment) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO segments (id, workspace_id, name, connector_id, query, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.Name, s.ConnectorID, s.SQL, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

// GetSegment returns a segment by ID, or nil
func (r *ReferenceRepository) GetSegment(id string) (*models.Segment, error) {
	s := &models.Segment{}
	err := r.db.QueryRow(`
		SELECT id, workspace_id, name, connector_id, query, created_at
		FROM segments WHERE id = ?`, id,
	).Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.ConnectorID, &s.SQL, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateTemplate creates a template with an initial published version
func (r *ReferenceRepository) CreateTemplate(t *models.Template, v *models.TemplateVersion) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	if v != nil && v.Version == 0 {
		v.Version = 1
	}
	if v != nil {
		t.ActiveVersion = v.Version
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO templates (id, workspace_id, name, active_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Name, t.ActiveVersion, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	if v != nil {
		v.TemplateID = t.ID
		v.CreatedAt = t.CreatedAt
		if _, err := tx.Exec(`
			INSERT INTO template_versions (template_id, version, subject, html, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.TemplateID, v.Version, v.Subject, v.HTML, v.Text, v.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to create template version: %w", err)
		}
	}

	return tx.Commit()
}

// GetActiveTemplateVersion returns the active published version of a
// template, or nil when the template has no published version.
func (r *ReferenceRepository) GetActiveTemplateVersion(templateID string) (*models.TemplateVersion, error) {
	v := &models.TemplateVersion{}
	var html, text sql.NullString

	err := r.db.QueryRow(`
		SELECT tv.id, tv.template_id, tv.version, tv.subject, tv.html, tv.text, tv.created_at
		FROM template_versions tv
		JOIN templates t ON tv.template_id = t.id AND tv.version = t.active_version
		WHERE t.id = ?`, templateID,
	).Scan(&v.ID, &v.TemplateID, &v.Version, &v.Subject, &html, &text, &v.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if html.Valid {
		v.HTML = html.String
	}
	if text.Valid {
		v.Text = text.String
	}
	return v, nil
}
