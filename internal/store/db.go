package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	return Migrate(db.DB)
}

// Migrate applies all schema migrations to the given database.
func Migrate(db *sql.DB) error {
	migrations := []string{
		migrationCampaignGroups,
		migrationConnectors,
		migrationSenderProfiles,
		migrationSegments,
		migrationTemplates,
		migrationTemplateVersions,
		migrationCampaigns,
		migrationRuns,
		migrationRecipients,
		migrationSends,
		migrationSendLog,
		migrationSuppressions,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationCampaignGroups = `
CREATE TABLE IF NOT EXISTS campaign_groups (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    window_seconds INTEGER NOT NULL DEFAULT 3600,
    policy TEXT NOT NULL DEFAULT 'send_all',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationConnectors = `
CREATE TABLE IF NOT EXISTS connectors (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    settings JSON,
    webhook_token TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_connectors_webhook_token ON connectors(webhook_token);
`

const migrationSenderProfiles = `
CREATE TABLE IF NOT EXISTS sender_profiles (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    from_email TEXT NOT NULL,
    from_name TEXT,
    reply_to TEXT,
    connector_id TEXT NOT NULL REFERENCES connectors(id),
    rate_per_second REAL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    connector_id TEXT NOT NULL REFERENCES connectors(id),
    query TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    active_version INTEGER DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationTemplateVersions = `
CREATE TABLE IF NOT EXISTS template_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    subject TEXT NOT NULL,
    html TEXT,
    text TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(template_id, version)
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    priority INTEGER NOT NULL DEFAULT 100,
    group_id TEXT REFERENCES campaign_groups(id),
    template_id TEXT NOT NULL REFERENCES templates(id),
    segment_id TEXT NOT NULL REFERENCES segments(id),
    sender_profile_id TEXT NOT NULL REFERENCES sender_profiles(id),
    schedule TEXT,
    rate_per_second REAL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_triggered_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_group ON campaigns(group_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    workspace_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'created',
    stats JSON,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_campaign ON runs(campaign_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    subject_id TEXT NOT NULL,
    email TEXT NOT NULL,
    variables JSON,
    status TEXT NOT NULL DEFAULT 'pending',
    skip_reason TEXT,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, subject_id)
);
CREATE INDEX IF NOT EXISTS idx_recipients_run ON recipients(run_id);
CREATE INDEX IF NOT EXISTS idx_recipients_status ON recipients(run_id, status);
CREATE INDEX IF NOT EXISTS idx_recipients_subject ON recipients(subject_id);
`

const migrationSends = `
CREATE TABLE IF NOT EXISTS sends (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    recipient_id TEXT NOT NULL REFERENCES recipients(id),
    run_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    provider_message_id TEXT,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    sent_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sends_provider_msg ON sends(provider_message_id);
CREATE INDEX IF NOT EXISTS idx_sends_run ON sends(run_id);
`

const migrationSendLog = `
CREATE TABLE IF NOT EXISTS send_log (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    sent_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_log_lookup ON send_log(group_id, subject_id, sent_at);
`

const migrationSuppressions = `
CREATE TABLE IF NOT EXISTS suppressions (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    email TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(workspace_id, email)
);
`
