package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign
func (r *CampaignRepository) Create(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, workspace_id, name, status, priority, group_id, template_id, segment_id, sender_profile_id, schedule, rate_per_second, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, c.Status, c.Priority, nullString(c.GroupID), c.TemplateID, c.SegmentID, c.SenderProfileID, nullString(c.Schedule), c.RatePerSecond, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil if not found
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var groupID, schedule sql.NullString
	var lastTriggeredAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, workspace_id, name, status, priority, group_id, template_id, segment_id, sender_profile_id, schedule, rate_per_second, created_at, updated_at, last_triggered_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &c.Priority, &groupID, &c.TemplateID, &c.SegmentID, &c.SenderProfileID, &schedule, &c.RatePerSecond, &c.CreatedAt, &c.UpdatedAt, &lastTriggeredAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if groupID.Valid {
		c.GroupID = groupID.String
	}
	if schedule.Valid {
		c.Schedule = schedule.String
	}
	if lastTriggeredAt.Valid {
		c.LastTriggeredAt = &lastTriggeredAt.Time
	}

	return c, nil
}

// UpdateStatus updates a campaign status
func (r *CampaignRepository) UpdateStatus(id, status string) error {
	_, err := r.db.Exec("UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), id)
	return err
}

// SetLastTriggered records when the campaign was last triggered
func (r *CampaignRepository) SetLastTriggered(id string, at time.Time) error {
	_, err := r.db.Exec("UPDATE campaigns SET last_triggered_at = ?, updated_at = ? WHERE id = ?",
		at, time.Now(), id)
	return err
}

// ListActiveScheduled returns active campaigns that have a cron schedule
func (r *CampaignRepository) ListActiveScheduled() ([]models.Campaign, error) {
	rows, err := r.db.Query(`
		SELECT id, workspace_id, name, status, priority, group_id, template_id, segment_id, sender_profile_id, schedule, rate_per_second, created_at, updated_at, last_triggered_at
		FROM campaigns
		WHERE status = ? AND schedule IS NOT NULL AND schedule != ''
		ORDER BY id`, models.CampaignStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// CreateGroup creates a campaign group. The collision window is clamped
// to the configured minimum.
func (r *CampaignRepository) CreateGroup(g *models.CampaignGroup) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.WindowSeconds < models.MinCollisionWindow {
		g.WindowSeconds = models.MinCollisionWindow
	}
	if g.Policy == "" {
		g.Policy = models.PolicySendAll
	}
	g.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO campaign_groups (id, workspace_id, name, window_seconds, policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.WorkspaceID, g.Name, g.WindowSeconds, g.Policy, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign group: %w", err)
	}
	return nil
}

// GetGroup returns a campaign group by ID, or nil if not found
func (r *CampaignRepository) GetGroup(id string) (*models.CampaignGroup, error) {
	g := &models.CampaignGroup{}
	err := r.db.QueryRow(`
		SELECT id, workspace_id, name, window_seconds, policy, created_at
		FROM campaign_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.WorkspaceID, &g.Name, &g.WindowSeconds, &g.Policy, &g.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func scanCampaigns(rows *sql.Rows) ([]models.Campaign, error) {
	campaigns := []models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		var groupID, schedule sql.NullString
		var lastTriggeredAt sql.NullTime

		err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &c.Priority, &groupID, &c.TemplateID, &c.SegmentID, &c.SenderProfileID, &schedule, &c.RatePerSecond, &c.CreatedAt, &c.UpdatedAt, &lastTriggeredAt)
		if err != nil {
			return nil, err
		}

		if groupID.Valid {
			c.GroupID = groupID.String
		}
		if schedule.Valid {
			c.Schedule = schedule.String
		}
		if lastTriggeredAt.Valid {
			c.LastTriggeredAt = &lastTriggeredAt.Time
		}

		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
