package models

import (
	"strings"
	"time"
)

// Recipient statuses
const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
	RecipientStatusSkipped = "skipped"
)

// Skip reason prefixes. Structured reasons look like "suppression:bounce"
// or "collision:already_sent"; anything else counts as "other" in stats.
const (
	SkipPrefixSuppression = "suppression:"
	SkipPrefixCollision   = "collision:"
)

// Recipient is one audience member within a specific run.
// (run_id, subject_id) is unique.
type Recipient struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	SubjectID  string    `json:"subject_id"` // external identity key
	Email      string    `json:"email"`
	Variables  string    `json:"variables"` // JSON
	Status     string    `json:"status"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClassifySkipReason buckets a skip reason for run stats.
func ClassifySkipReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, SkipPrefixCollision):
		return "collision"
	case strings.HasPrefix(reason, SkipPrefixSuppression):
		return "suppression"
	default:
		return "other"
	}
}
