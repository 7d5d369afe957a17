package models

import (
	"strings"
	"time"
)

// Suppression reasons
const (
	SuppressionReasonBounce      = "bounce"
	SuppressionReasonComplaint   = "complaint"
	SuppressionReasonUnsubscribe = "unsubscribe"
	SuppressionReasonManual      = "manual"
)

// Suppression is a standing block on an email address within a workspace.
// Emails are stored lowercased; a later upsert with a different reason
// overwrites the earlier one.
type Suppression struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Email       string    `json:"email"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NormalizeEmail lowercases and trims an address for suppression lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
