package models

import "time"

// Connector types
const (
	ConnectorTypeSES      = "ses"
	ConnectorTypeSMTP     = "smtp"
	ConnectorTypePostgres = "postgres"
)

// Connector holds provider or data-source credentials and settings.
type Connector struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Settings     string    `json:"settings"` // JSON, type-specific
	WebhookToken string    `json:"webhook_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SenderProfile is the sending identity a campaign dispatches as.
type SenderProfile struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name"`
	FromEmail     string    `json:"from_email"`
	FromName      string    `json:"from_name"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	ConnectorID   string    `json:"connector_id"`
	RatePerSecond float64   `json:"rate_per_second"` // 0 = use global default
	CreatedAt     time.Time `json:"created_at"`
}

// Segment defines a campaign audience as a read-only SQL query against
// a data connector.
type Segment struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	ConnectorID string    `json:"connector_id"`
	SQL         string    `json:"sql"`
	CreatedAt   time.Time `json:"created_at"`
}

// Template is an email template; the body of the active version is
// pre-compiled at publish time, so dispatch only substitutes variables.
type Template struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name"`
	ActiveVersion int       `json:"active_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TemplateVersion is an immutable published revision of a template.
type TemplateVersion struct {
	ID         int64     `json:"id"`
	TemplateID string    `json:"template_id"`
	Version    int       `json:"version"`
	Subject    string    `json:"subject"`
	HTML       string    `json:"html"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
