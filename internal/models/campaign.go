package models

import "time"

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusArchived  = "archived"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
)

// Collision policies for campaign groups
const (
	PolicySendAll             = "send_all"
	PolicyHighestPriorityWins = "highest_priority_wins"
	PolicyFirstQueuedWins     = "first_queued_wins"
)

// MinCollisionWindow is the smallest collision window a group may configure.
const MinCollisionWindow = 3600 // seconds

// Campaign is a single-send email broadcast definition.
type Campaign struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"` // lower number = higher precedence
	GroupID         string     `json:"group_id,omitempty"`
	TemplateID      string     `json:"template_id"`
	SegmentID       string     `json:"segment_id"`
	SenderProfileID string     `json:"sender_profile_id"`
	Schedule        string     `json:"schedule,omitempty"` // cron expression, empty = manual
	RatePerSecond   float64    `json:"rate_per_second,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// CampaignGroup groups campaigns that share a collision window and policy.
type CampaignGroup struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name"`
	WindowSeconds int       `json:"window_seconds"`
	Policy        string    `json:"policy"`
	CreatedAt     time.Time `json:"created_at"`
}
