package models

import "time"

// Send statuses
const (
	SendStatusQueued    = "queued"
	SendStatusSent      = "sent"
	SendStatusDelivered = "delivered"
	SendStatusBounced   = "bounced"
	SendStatusComplaint = "complaint"
	SendStatusFailed    = "failed"
)

// Send is one attempted delivery, keyed by a stable idempotency key
// (the recipient id for single sends). The row is the durable idempotency
// anchor: once status is "sent" the recipient is never dispatched again.
type Send struct {
	ID                string     `json:"id"`
	IdempotencyKey    string     `json:"idempotency_key"`
	RecipientID       string     `json:"recipient_id"`
	RunID             string     `json:"run_id"`
	CampaignID        string     `json:"campaign_id"`
	WorkspaceID       string     `json:"workspace_id"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
}

// SendLog is an immutable collision-detection fact, written once per
// successful send belonging to a grouped campaign. Never updated.
type SendLog struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	SubjectID   string    `json:"subject_id"`
	GroupID     string    `json:"group_id"`
	CampaignID  string    `json:"campaign_id"`
	SentAt      time.Time `json:"sent_at"`
}

// LedgerEntry is the collision-check view of a subject's send history:
// when the group last served them, and the precedence of the campaign
// that did. Priority is the minimum (highest-precedence) priority among
// the window's entries for the subject.
type LedgerEntry struct {
	SentAt   time.Time
	Priority int
}
