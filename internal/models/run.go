package models

import "time"

// Run statuses. A run is active in any state except completed/failed.
const (
	RunStatusCreated          = "created"
	RunStatusAudienceBuilding = "audience_building"
	RunStatusAudienceReady    = "audience_ready"
	RunStatusSending          = "sending"
	RunStatusCompleted        = "completed"
	RunStatusFailed           = "failed"
)

// ActiveRunStatuses lists the non-terminal run states.
var ActiveRunStatuses = []string{
	RunStatusCreated,
	RunStatusAudienceBuilding,
	RunStatusAudienceReady,
	RunStatusSending,
}

// Run is one audience-processing attempt for a campaign.
type Run struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	WorkspaceID string     `json:"workspace_id"`
	Status      string     `json:"status"`
	Stats       string     `json:"stats"` // JSON (RunStats)
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunStats is the structured stats blob persisted on a run.
type RunStats struct {
	Total          int            `json:"total"`
	Sent           int            `json:"sent"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	SkippedReasons SkippedReasons `json:"skippedReasons"`
	Error          string         `json:"error,omitempty"`
}

// SkippedReasons breaks down skipped recipients for reporting.
type SkippedReasons struct {
	Collision   int `json:"collision"`
	Suppression int `json:"suppression"`
	Other       int `json:"other"`
}
